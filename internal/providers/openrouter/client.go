// Package openrouter provisions scoped LLM API keys through the OpenRouter
// provisioning API.
package openrouter

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

// EnvKey is the environment variable injected into instances.
const EnvKey = "OPENROUTER_API_KEY"

type Client struct {
	httpClient   *resty.Client
	defaultLimit float64
}

func New(cfg *config.OpenRouterConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetAuthToken(cfg.ProvisioningKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second)

	return &Client{httpClient: client, defaultLimit: cfg.DefaultLimit}
}

type keyData struct {
	Hash  string  `json:"hash"`
	Name  string  `json:"name"`
	Label string  `json:"label"`
	Limit float64 `json:"limit"`
}

// Provision creates a scoped API key named after the owning instance. The
// returned resource id is the key hash; the key itself only appears in the
// env value.
func (c *Client) Provision(ctx context.Context, instanceID string, cfg map[string]any) (*providers.ToolGrant, error) {
	limit := c.defaultLimit
	if v, ok := cfg["limit"].(float64); ok && v > 0 {
		limit = v
	}

	var result struct {
		Data keyData `json:"data"`
		Key  string  `json:"key"`
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"name":  providers.ManagedName(instanceID),
			"limit": limit,
		}).
		SetResult(&result).
		Post("/keys")
	if err != nil {
		return nil, providers.NewError(http.StatusBadGateway, fmt.Sprintf("openrouter unreachable: %v", err))
	}
	if resp.IsError() {
		return nil, providers.NewError(resp.StatusCode(), fmt.Sprintf("openrouter returned %s", resp.Status()))
	}

	return &providers.ToolGrant{
		ResourceID: result.Data.Hash,
		EnvKey:     EnvKey,
		EnvValue:   result.Key,
		Meta:       map[string]string{"limit": fmt.Sprintf("%g", limit)},
	}, nil
}

// Release deletes a key by hash. A 404 means the key is already gone and is
// not an error.
func (c *Client) Release(ctx context.Context, resourceID string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Delete("/keys/" + resourceID)
	if err != nil {
		return providers.NewError(http.StatusBadGateway, fmt.Sprintf("openrouter unreachable: %v", err))
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return providers.NewError(resp.StatusCode(), fmt.Sprintf("openrouter returned %s", resp.Status()))
	}
	return nil
}

// ListManaged pages through all provisioned keys and returns the ones whose
// name carries the managed prefix.
func (c *Client) ListManaged(ctx context.Context) ([]providers.ManagedResource, error) {
	var managed []providers.ManagedResource

	offset := 0
	for {
		var result struct {
			Data []keyData `json:"data"`
		}
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetQueryParam("offset", fmt.Sprintf("%d", offset)).
			SetResult(&result).
			Get("/keys")
		if err != nil {
			return nil, providers.NewError(http.StatusBadGateway, fmt.Sprintf("openrouter unreachable: %v", err))
		}
		if resp.IsError() {
			return nil, providers.NewError(resp.StatusCode(), fmt.Sprintf("openrouter returned %s", resp.Status()))
		}
		if len(result.Data) == 0 {
			break
		}

		for _, key := range result.Data {
			name := key.Name
			if name == "" {
				name = key.Label
			}
			if !strings.HasPrefix(name, providers.ManagedPrefix) {
				continue
			}
			managed = append(managed, providers.ManagedResource{
				ID:         key.Hash,
				Name:       name,
				InstanceID: strings.TrimPrefix(name, providers.ManagedPrefix),
			})
		}
		offset += len(result.Data)
	}
	return managed, nil
}
