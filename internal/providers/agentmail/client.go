// Package agentmail provisions email inboxes through the AgentMail API.
package agentmail

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/convos-project/instance-orchestrator/internal/config"
	"github.com/convos-project/instance-orchestrator/internal/providers"
	"github.com/go-resty/resty/v2"
)

// EnvKey is the environment variable injected into instances. The value is
// the inbox address.
const EnvKey = "AGENTMAIL_INBOX_ID"

type Client struct {
	httpClient *resty.Client
}

func New(cfg *config.AgentMailConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetAuthToken(cfg.APIKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second)

	return &Client{httpClient: client}
}

type inbox struct {
	InboxID  string `json:"inbox_id"`
	ClientID string `json:"client_id"`
}

// Provision creates an inbox whose username and client id both follow the
// managed naming convention, so either survives as an ownership marker.
func (c *Client) Provision(ctx context.Context, instanceID string, _ map[string]any) (*providers.ToolGrant, error) {
	var result inbox
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"username":  providers.ManagedName(instanceID),
			"client_id": providers.ManagedName(instanceID),
		}).
		SetResult(&result).
		Post("/inboxes")
	if err != nil {
		return nil, providers.NewError(http.StatusBadGateway, fmt.Sprintf("agentmail unreachable: %v", err))
	}
	if resp.IsError() {
		return nil, providers.NewError(resp.StatusCode(), fmt.Sprintf("agentmail returned %s", resp.Status()))
	}

	return &providers.ToolGrant{
		ResourceID: result.InboxID,
		EnvKey:     EnvKey,
		EnvValue:   result.InboxID,
		Meta:       map[string]string{"clientId": result.ClientID},
	}, nil
}

func (c *Client) Release(ctx context.Context, resourceID string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Delete("/inboxes/" + resourceID)
	if err != nil {
		return providers.NewError(http.StatusBadGateway, fmt.Sprintf("agentmail unreachable: %v", err))
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return providers.NewError(resp.StatusCode(), fmt.Sprintf("agentmail returned %s", resp.Status()))
	}
	return nil
}

// ListManaged pages through all inboxes and returns the ones whose client id
// carries the managed prefix.
func (c *Client) ListManaged(ctx context.Context) ([]providers.ManagedResource, error) {
	var managed []providers.ManagedResource

	pageToken := ""
	for {
		var result struct {
			Inboxes       []inbox `json:"inboxes"`
			NextPageToken string  `json:"next_page_token"`
		}
		req := c.httpClient.R().SetContext(ctx).SetResult(&result)
		if pageToken != "" {
			req.SetQueryParam("page_token", pageToken)
		}
		resp, err := req.Get("/inboxes")
		if err != nil {
			return nil, providers.NewError(http.StatusBadGateway, fmt.Sprintf("agentmail unreachable: %v", err))
		}
		if resp.IsError() {
			return nil, providers.NewError(resp.StatusCode(), fmt.Sprintf("agentmail returned %s", resp.Status()))
		}

		for _, in := range result.Inboxes {
			if !strings.HasPrefix(in.ClientID, providers.ManagedPrefix) {
				continue
			}
			managed = append(managed, providers.ManagedResource{
				ID:         in.InboxID,
				Name:       in.ClientID,
				InstanceID: strings.TrimPrefix(in.ClientID, providers.ManagedPrefix),
			})
		}

		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	return managed, nil
}
