package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVonageURL is the Vonage SMS REST endpoint
const DefaultVonageURL = "https://rest.nexmo.com/sms/json"

// VonageConfig holds SMS gateway credentials
type VonageConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	From      string        `mapstructure:"from"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// VonageSender sends SMS through the Vonage REST API
type VonageSender struct {
	cfg        VonageConfig
	httpClient *http.Client
}

// NewVonageSender creates a sender. Empty From and BaseURL take defaults.
func NewVonageSender(cfg VonageConfig) *VonageSender {
	if cfg.From == "" {
		cfg.From = "MediMeet"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultVonageURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &VonageSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type vonageResponse struct {
	MessageCount string `json:"message-count"`
	Messages     []struct {
		Status    string `json:"status"`
		MessageID string `json:"message-id"`
		ErrorText string `json:"error-text"`
	} `json:"messages"`
}

// Send implements Sender. Status "0" on the first message means accepted.
func (s *VonageSender) Send(ctx context.Context, to, text string) error {
	form := url.Values{
		"api_key":    {s.cfg.APIKey},
		"api_secret": {s.cfg.APISecret},
		"from":       {s.cfg.From},
		"to":         {to},
		"text":       {text},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrTransportFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d, body: %s", ErrTransportFailure, resp.StatusCode, string(body))
	}

	var out vonageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrTransportFailure, err)
	}
	if len(out.Messages) == 0 {
		return fmt.Errorf("%w: empty response", ErrTransportFailure)
	}
	if m := out.Messages[0]; m.Status != "0" {
		return fmt.Errorf("%w: status %s: %s", ErrTransportFailure, m.Status, m.ErrorText)
	}
	return nil
}
