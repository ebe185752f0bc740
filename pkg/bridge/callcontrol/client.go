// Package callcontrol talks to the PBX call-control API for the telephony
// operations a conversation can trigger: attended transfer, transfer
// cancellation while ringing, and forced hangup.
package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Client drives call control for one call. It satisfies the session's
// Telephony contract.
type Client struct {
	baseURL string
	token   string
	callID  string
	http    *http.Client
	logger  *slog.Logger

	ringing atomic.Bool
}

// New builds a per-call client. baseURL empty is allowed; every operation
// then fails with a clear error.
func New(baseURL, token, callID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		callID:  callID,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Transfer starts an attended transfer toward target. The transfer rings
// until the far end answers or CancelTransfer is called.
func (c *Client) Transfer(ctx context.Context, target string) error {
	if err := c.post(ctx, "transfer", map[string]string{"target": target}); err != nil {
		return err
	}
	c.ringing.Store(true)
	c.logger.Info("transfer started", "target", target)
	return nil
}

// CancelTransfer aborts a ringing transfer.
func (c *Client) CancelTransfer(ctx context.Context) error {
	if !c.ringing.Load() {
		return fmt.Errorf("no transfer in flight")
	}
	if err := c.post(ctx, "transfer/cancel", nil); err != nil {
		return err
	}
	c.ringing.Store(false)
	c.logger.Info("transfer cancelled")
	return nil
}

// TransferRinging reports an unanswered transfer in flight.
func (c *Client) TransferRinging() bool { return c.ringing.Load() }

// TransferAnswered marks the transfer as connected; cancellation is no
// longer valid after this.
func (c *Client) TransferAnswered() { c.ringing.Store(false) }

// Play asks the PBX to play a prerecorded media asset into the call.
func (c *Client) Play(ctx context.Context, mediaID string) error {
	return c.post(ctx, "play", map[string]string{"media": mediaID})
}

// Hangup disconnects the call at the PBX.
func (c *Client) Hangup(ctx context.Context) error {
	return c.post(ctx, "hangup", nil)
}

func (c *Client) post(ctx context.Context, op string, payload any) error {
	if c.baseURL == "" {
		return fmt.Errorf("call control not configured")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	url := fmt.Sprintf("%s/calls/%s/%s", c.baseURL, c.callID, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}
	return nil
}
