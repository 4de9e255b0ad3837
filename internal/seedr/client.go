// Package seedr talks to the Seedr OAuth device-code endpoints used to link accounts.
package seedr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL  = "https://www.seedr.cc"
	DefaultClientID = "seedr_xbmc"
)

// ErrAuthorizationPending is returned by Exchange while the user has not entered the code yet.
var ErrAuthorizationPending = errors.New("seedr: authorization pending")

// DeviceCode is the pair shown to the user plus the code we exchange later.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Account is the subset of account settings the bot shows after linking.
type Account struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

func NewClient(baseURL, clientID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DeviceCode starts a device-code authorization.
func (c *Client) DeviceCode(ctx context.Context) (*DeviceCode, error) {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/device/code?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var code DeviceCode
	if err := c.do(req, &code); err != nil {
		return nil, fmt.Errorf("device code: %w", err)
	}
	if code.DeviceCode == "" || code.UserCode == "" {
		return nil, errors.New("device code: empty response")
	}
	return &code, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// Exchange trades an authorized device code for a credential.
func (c *Client) Exchange(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("device_code", deviceCode)
	q.Set("client_id", c.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/device/authorize?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var res tokenResponse
	if err := c.do(req, &res); err != nil {
		return nil, fmt.Errorf("exchange device code: %w", err)
	}
	switch {
	case res.Error == "authorization_pending":
		return nil, ErrAuthorizationPending
	case res.Error != "":
		return nil, fmt.Errorf("exchange device code: %s", res.Error)
	case res.AccessToken == "":
		return nil, errors.New("exchange device code: empty access token")
	}

	token := &oauth2.Token{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    res.TokenType,
	}
	if res.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	return token, nil
}

// Account fetches the account settings for token.
func (c *Client) Account(ctx context.Context, token *oauth2.Token) (*Account, error) {
	form := url.Values{}
	form.Set("access_token", token.AccessToken)
	form.Set("func", "get_settings")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth_test/resource.php", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var res struct {
		Result  bool    `json:"result"`
		Account Account `json:"account"`
		Error   string  `json:"error"`
	}
	if err := c.do(req, &res); err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("get settings: %s", res.Error)
	}
	return &res.Account, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		// Seedr reports pending authorization with a 4xx and a JSON error body.
		if json.Unmarshal(body, out) == nil && hasError(out) {
			return nil
		}
		return fmt.Errorf("seedr http status: %s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func hasError(out any) bool {
	if v, ok := out.(*tokenResponse); ok {
		return v.Error != ""
	}
	return false
}
