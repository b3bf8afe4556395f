// Package credits calls the external points ledger.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Grant is the ledger's answer to a successful grant.
type Grant struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"newBalance"`
	Message    string `json:"message,omitempty"`
}

type grantRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// Client posts grants to {BaseURL}/internal/points/grant.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a ledger client. A zero timeout means 10s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// GrantPoints credits amount points to userID. The ledger is not idempotent,
// so callers must invoke this at most once per order.
func (c *Client) GrantPoints(ctx context.Context, userID string, amount int64, reason string) (Grant, error) {
	body, err := json.Marshal(grantRequest{UserID: userID, Amount: amount, Reason: reason})
	if err != nil {
		return Grant{}, fmt.Errorf("marshal grant: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/points/grant", bytes.NewReader(body))
	if err != nil {
		return Grant{}, fmt.Errorf("build grant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("grant points: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Grant{}, fmt.Errorf("read grant response: %w", err)
	}
	var g Grant
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &g); err != nil {
			return Grant{}, fmt.Errorf("decode grant response (status %d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode/100 != 2 || !g.Success {
		msg := g.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return g, fmt.Errorf("grant points rejected (status %d): %s", resp.StatusCode, msg)
	}
	return g, nil
}
