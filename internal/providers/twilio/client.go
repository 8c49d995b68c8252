// Package twilio provisions SMS-capable phone numbers. Twilio's REST API is
// form-encoded with basic auth; the purchased number's SID is the resource
// id and the E.164 number is the env value.
package twilio

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
const EnvKey = "TWILIO_PHONE_NUMBER"

type Client struct {
	httpClient         *resty.Client
	accountSID         string
	messagingServiceID string
	areaCode           string
}

func New(cfg *config.TwilioConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		httpClient:         client,
		accountSID:         cfg.AccountSID,
		messagingServiceID: cfg.MessagingServiceID,
		areaCode:           cfg.AreaCode,
	}
}

type incomingPhoneNumber struct {
	SID          string `json:"sid"`
	PhoneNumber  string `json:"phone_number"`
	FriendlyName string `json:"friendly_name"`
}

// Provision searches for an available local number and purchases it. When a
// messaging service is configured the number is attached to it so the
// instance can send through the shared messaging profile.
func (c *Client) Provision(ctx context.Context, instanceID string, cfg map[string]any) (*providers.ToolGrant, error) {
	areaCode := c.areaCode
	if v, ok := cfg["areaCode"].(string); ok && v != "" {
		areaCode = v
	}

	number, err := c.searchNumber(ctx, areaCode)
	if err != nil {
		return nil, err
	}

	purchased, err := c.purchaseNumber(ctx, number, providers.ManagedName(instanceID))
	if err != nil {
		return nil, err
	}

	meta := map[string]string{"phoneNumber": purchased.PhoneNumber}
	if c.messagingServiceID != "" {
		if err := c.attachToMessagingService(ctx, purchased.SID); err != nil {
			// The number works without the profile; leave a marker so the
			// caller can see the attach did not happen.
			meta["messagingServiceId"] = ""
		} else {
			meta["messagingServiceId"] = c.messagingServiceID
		}
	}

	return &providers.ToolGrant{
		ResourceID: purchased.SID,
		EnvKey:     EnvKey,
		EnvValue:   purchased.PhoneNumber,
		Meta:       meta,
	}, nil
}

func (c *Client) searchNumber(ctx context.Context, areaCode string) (string, error) {
	var result struct {
		AvailablePhoneNumbers []struct {
			PhoneNumber string `json:"phone_number"`
		} `json:"available_phone_numbers"`
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"AreaCode":   areaCode,
			"SmsEnabled": "true",
			"PageSize":   "1",
		}).
		SetResult(&result).
		Get(fmt.Sprintf("/Accounts/%s/AvailablePhoneNumbers/US/Local.json", c.accountSID))
	if err != nil {
		return "", providers.NewError(http.StatusBadGateway, fmt.Sprintf("twilio unreachable: %v", err))
	}
	if resp.IsError() {
		return "", providers.NewError(resp.StatusCode(), fmt.Sprintf("twilio returned %s", resp.Status()))
	}
	if len(result.AvailablePhoneNumbers) == 0 {
		return "", providers.NewError(http.StatusConflict, fmt.Sprintf("no SMS-capable numbers available in area code %s", areaCode))
	}
	return result.AvailablePhoneNumbers[0].PhoneNumber, nil
}

func (c *Client) purchaseNumber(ctx context.Context, number, friendlyName string) (*incomingPhoneNumber, error) {
	var result incomingPhoneNumber
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"PhoneNumber":  number,
			"FriendlyName": friendlyName,
		}).
		SetResult(&result).
		Post(fmt.Sprintf("/Accounts/%s/IncomingPhoneNumbers.json", c.accountSID))
	if err != nil {
		return nil, providers.NewError(http.StatusBadGateway, fmt.Sprintf("twilio unreachable: %v", err))
	}
	if resp.IsError() {
		return nil, providers.NewError(resp.StatusCode(), fmt.Sprintf("twilio returned %s", resp.Status()))
	}
	return &result, nil
}

func (c *Client) attachToMessagingService(ctx context.Context, numberSID string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{"PhoneNumberSid": numberSID}).
		Post(fmt.Sprintf("https://messaging.twilio.com/v1/Services/%s/PhoneNumbers", c.messagingServiceID))
	if err != nil {
		return providers.NewError(http.StatusBadGateway, fmt.Sprintf("twilio unreachable: %v", err))
	}
	if resp.IsError() {
		return providers.NewError(resp.StatusCode(), fmt.Sprintf("twilio returned %s", resp.Status()))
	}
	return nil
}

// Release frees a purchased number by SID. A 404 means the number is already
// released.
func (c *Client) Release(ctx context.Context, resourceID string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/Accounts/%s/IncomingPhoneNumbers/%s.json", c.accountSID, resourceID))
	if err != nil {
		return providers.NewError(http.StatusBadGateway, fmt.Sprintf("twilio unreachable: %v", err))
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return providers.NewError(resp.StatusCode(), fmt.Sprintf("twilio returned %s", resp.Status()))
	}
	return nil
}

// ListManaged pages through the account's numbers and returns the ones whose
// friendly name carries the managed prefix.
func (c *Client) ListManaged(ctx context.Context) ([]providers.ManagedResource, error) {
	var managed []providers.ManagedResource

	page := 0
	for {
		var result struct {
			IncomingPhoneNumbers []incomingPhoneNumber `json:"incoming_phone_numbers"`
			NextPageURI          string                `json:"next_page_uri"`
		}
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"Page":     fmt.Sprintf("%d", page),
				"PageSize": "50",
			}).
			SetResult(&result).
			Get(fmt.Sprintf("/Accounts/%s/IncomingPhoneNumbers.json", c.accountSID))
		if err != nil {
			return nil, providers.NewError(http.StatusBadGateway, fmt.Sprintf("twilio unreachable: %v", err))
		}
		if resp.IsError() {
			return nil, providers.NewError(resp.StatusCode(), fmt.Sprintf("twilio returned %s", resp.Status()))
		}

		for _, number := range result.IncomingPhoneNumbers {
			if !strings.HasPrefix(number.FriendlyName, providers.ManagedPrefix) {
				continue
			}
			managed = append(managed, providers.ManagedResource{
				ID:         number.SID,
				Name:       number.FriendlyName,
				InstanceID: strings.TrimPrefix(number.FriendlyName, providers.ManagedPrefix),
			})
		}

		if result.NextPageURI == "" {
			break
		}
		page++
	}
	return managed, nil
}
