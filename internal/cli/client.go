package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/clawdbot/bouncer/internal/config"
)

// client talks to a running gateway over its agent surface.
type client struct {
	base   string
	secret string
	http   *http.Client
}

// newClient resolves the server address and secret from flags, environment,
// and config, in that order.
func newClient() (*client, error) {
	base := flagServer
	if base == "" {
		base = os.Getenv("BOUNCER_SERVER")
	}
	secret := flagSecret
	if secret == "" {
		secret = os.Getenv("BOUNCER_REQUEST_SECRET")
	}
	if base == "" || secret == "" {
		cfg, err := config.Load(config.LoadOptions{ConfigPath: flagConfig})
		if err != nil {
			return nil, err
		}
		if base == "" {
			base = "http://" + cfg.Server.ListenAddr
		}
		if secret == "" {
			secret = cfg.Server.RequestSecret
		}
	}
	if secret == "" {
		return nil, fmt.Errorf("no request secret; set --secret or BOUNCER_REQUEST_SECRET")
	}
	return &client{
		base:   strings.TrimRight(base, "/"),
		secret: secret,
		http:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// do sends one request and decodes the JSON response into out when the
// status is 2xx. Non-2xx responses surface the server's error message.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	return c.doHeader(ctx, method, path, nil, body, out)
}

func (c *client) doHeader(ctx context.Context, method, path string, header map[string]string, body, out any) (int, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
