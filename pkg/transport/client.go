package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fleetmesh/mesh/pkg/config"
)

// WireBody is the POST body of the webhook protocol: the envelope travels
// as a JSON string so the receiver can verify the signature against the
// exact bytes, and sessionKey rides alongside when the generic router
// should honor a caller-supplied session.
type WireBody struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Client posts envelopes to peer hooks with the protocol's timeouts.
type Client struct {
	http *http.Client
}

func NewClient(cfg *config.Config) *Client {
	connect := time.Duration(cfg.HTTP.ConnectTimeoutSec) * time.Second
	if connect <= 0 {
		connect = 10 * time.Second
	}
	total := time.Duration(cfg.HTTP.TotalTimeoutSec) * time.Second
	if total <= 0 {
		total = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: total,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Post delivers one wire body. Any 2xx is success; 4xx is permanent; other
// failures are transport errors.
func (c *Client) Post(ctx context.Context, url, token, signature string, body WireBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal body: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if signature != "" {
		req.Header.Set("X-MESH-Signature", signature)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{Code: resp.StatusCode}
}

// PostJSON fires a small best-effort JSON POST, used for the dashboard
// notification sink.
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}, timeout time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
