// Package vapi talks to a Vapi-style voice agent API over HTTP.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/telephony"
)

const maxResponseBytes = 1 << 20

// Client implements telephony.Provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from provider configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type customer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type metadata struct {
	CampaignID string `json:"campaignId"`
	ContactID  string `json:"contactId"`
	CallID     string `json:"callId"`
}

type createCallBody struct {
	AssistantID   string   `json:"assistantId"`
	PhoneNumberID string   `json:"phoneNumberId"`
	Customer      customer `json:"customer"`
	Metadata      metadata `json:"metadata"`
}

// CreateCall places an outbound call.
func (c *Client) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (*telephony.CallInfo, error) {
	body := createCallBody{
		AssistantID:   req.AssistantID,
		PhoneNumberID: req.PhoneNumberID,
		Customer:      customer{Number: req.CustomerNumber, Name: req.CustomerName},
		Metadata: metadata{
			CampaignID: req.CampaignID.String(),
			ContactID:  req.ContactID.String(),
			CallID:     req.CallID.String(),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("vapi: encode create call: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/call", payload)
	if err != nil {
		return nil, err
	}
	info, err := telephony.ParseCallObject(raw)
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, &telephony.Error{StatusCode: http.StatusOK, Body: string(raw)}
	}
	return info, nil
}

// GetCall fetches the provider's current view of a call.
func (c *Client) GetCall(ctx context.Context, providerCallID string) (*telephony.CallInfo, error) {
	raw, err := c.do(ctx, http.MethodGet, "/call/"+url.PathEscape(providerCallID), nil)
	if err != nil {
		return nil, err
	}
	return telephony.ParseCallObject(raw)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("vapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, telephony.NewNetworkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, telephony.NewNetworkError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, telephony.NewStatusError(resp.StatusCode, string(raw))
	}
	return raw, nil
}
