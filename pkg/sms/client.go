package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Message represents an SMS to be sent.
type Message struct {
	To   string
	Body string
}

// Result holds the outcome of a send attempt.
type Result struct {
	ID             string
	DeliveryStatus string
	Sent           bool
}

// Client defines the interface for sending SMS messages.
// Swap between a stub (dev/testing) and a real provider (e.g. Twilio).
type Client interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}

// StubClient simulates sending SMS by logging them.
type StubClient struct{}

func NewStubClient() *StubClient {
	return &StubClient{}
}

func (c *StubClient) Send(_ context.Context, msg Message) (*Result, error) {
	slog.Info("sending sms (stub)", "to", msg.To, "body_length", len(msg.Body))
	return &Result{
		DeliveryStatus: "sent",
		Sent:           true,
	}, nil
}

// TwilioConfig holds Twilio configuration
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioClient sends SMS through the Twilio Messages API.
type TwilioClient struct {
	cfg        TwilioConfig
	baseURL    string
	httpClient *http.Client
}

// NewTwilioClient creates a new Twilio client
func NewTwilioClient(cfg TwilioConfig, httpClient *http.Client) *TwilioClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TwilioClient{
		cfg:        cfg,
		baseURL:    "https://api.twilio.com/2010-04-01",
		httpClient: httpClient,
	}
}

func (c *TwilioClient) Send(ctx context.Context, msg Message) (*Result, error) {
	if c.cfg.AccountSID == "" {
		return nil, fmt.Errorf("Twilio not configured")
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.cfg.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("twilio returned %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse twilio response: %w", err)
	}

	slog.Info("sms sent", "to", msg.To, "sid", data.SID, "status", data.Status)

	return &Result{ID: data.SID, DeliveryStatus: data.Status, Sent: true}, nil
}
