package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// deviceCodeHTTPTimeout matches the teacher's short-lived one-off calls
// (oai_next.go's 15s client), since the device-code/token-exchange calls
// are small and infrequent rather than the bulk chat traffic Client.http
// is tuned for.
const deviceCodeHTTPTimeout = 15 * time.Second

// DeviceCodeResponse is the response to requesting a device code.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

// TokenExchangeResult is what exchanging the long-lived token yields.
type TokenExchangeResult struct {
	Token     string `json:"token"`
	RefreshIn int    `json:"refresh_in"`
	Endpoints struct {
		API string `json:"api,omitempty"`
	} `json:"endpoints,omitempty"`
}

// RequestDeviceCode begins the device-code grant.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	form := url.Values{"client_id": {c.cfg.ClientID}, "scope": {"read:user"}}
	client := &http.Client{Timeout: deviceCodeHTTPTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("upstream: build device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: device code request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: device code request failed: %s", readErrorBody(resp))
	}

	var out DeviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode device code response: %w", err)
	}
	return &out, nil
}

// pollGrantType is the OAuth device-flow grant the polling loop presents.
const pollGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// errAuthorizationPending signals the poll loop to keep waiting.
type errAuthorizationPending struct{}

func (errAuthorizationPending) Error() string { return "authorization_pending" }

// errSlowDown signals the poll loop to widen its interval.
type errSlowDown struct{}

func (errSlowDown) Error() string { return "slow_down" }

// PollAccessToken polls the token endpoint at interval (widened on
// slow_down) until the user completes the browser flow, the device code
// expires, or ctx is cancelled.
func (c *Client) PollAccessToken(ctx context.Context, deviceCode string, interval int) (string, error) {
	if interval <= 0 {
		interval = 5
	}
	client := &http.Client{Timeout: deviceCodeHTTPTimeout}
	delay := time.Duration(interval) * time.Second

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}

		token, err := c.pollOnce(ctx, client, deviceCode)
		switch err.(type) {
		case nil:
			return token, nil
		case errAuthorizationPending:
			continue
		case errSlowDown:
			delay += 5 * time.Second
			continue
		default:
			return "", err
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, client *http.Client, deviceCode string) (string, error) {
	form := url.Values{
		"client_id":   {c.cfg.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {pollGrantType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenExchangeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("upstream: build poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: poll request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upstream: decode poll response: %w", err)
	}

	switch out.Error {
	case "":
		if out.AccessToken == "" {
			return "", fmt.Errorf("upstream: poll response missing access_token")
		}
		return out.AccessToken, nil
	case "authorization_pending":
		return "", errAuthorizationPending{}
	case "slow_down":
		return "", errSlowDown{}
	default:
		return "", fmt.Errorf("upstream: device flow error: %s", out.Error)
	}
}

// ExchangeForShortToken presents the long-lived token for a short-lived one.
func (c *Client) ExchangeForShortToken(ctx context.Context, longLivedToken string) (*TokenExchangeResult, error) {
	client := &http.Client{Timeout: deviceCodeHTTPTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TokenExchangeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build exchange request: %w", err)
	}
	req.Header.Set("Authorization", "token "+longLivedToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: exchange request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: exchange failed: %s", readErrorBody(resp))
	}

	var out TokenExchangeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode exchange response: %w", err)
	}
	return &out, nil
}
