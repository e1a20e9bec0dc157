package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/appforge/internal/api"
	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/config"
)

// client is a thin JSON client for the appforge HTTP API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// newClient resolves the server URL and token from flags, the environment and
// the config file, in that order.
func newClient(g *globalFlags) (*client, error) {
	server := firstNonEmpty(g.server, os.Getenv("APPFORGE_SERVER"))
	key := firstNonEmpty(g.apiKey, os.Getenv("APPFORGE_API_KEY"))
	if server == "" || key == "" {
		cfg, err := config.LoadOrDefault(g.configPath)
		if err != nil {
			return nil, err
		}
		if server == "" {
			server = "http://" + cfg.API.Listen
		}
		if key == "" {
			key = cfg.API.APIKey
		}
	}
	return &client{
		baseURL: strings.TrimRight(server, "/"),
		apiKey:  key,
		// No overall timeout: ?wait=true requests last as long as a generation.
		http: &http.Client{},
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectPath(id string, suffix string) string {
	return "/projects/" + url.PathEscape(id) + suffix
}

// do sends a request and decodes a JSON response into out when non-nil.
// The raw body is returned for --json output.
func (c *client) do(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return data, responseError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return data, fmt.Errorf("decode response: %w", err)
		}
	}
	return data, nil
}

// responseError turns an error body back into a typed error.
func responseError(status int, body []byte) error {
	var er api.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		kind := er.Kind
		if kind == "" {
			kind = kindForStatus(status)
		}
		return apperr.New(kind, "%s", er.Error)
	}
	return apperr.New(kindForStatus(status), "%s", http.StatusText(status))
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest:
		return apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindPermissionDenied
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusTooManyRequests:
		return apperr.KindResourceExhausted
	case http.StatusServiceUnavailable:
		return apperr.KindPreviewUnavailable
	case http.StatusGatewayTimeout:
		return apperr.KindTimeout
	}
	return apperr.KindInternal
}

// requestContext bounds non-streaming calls.
func requestContext(parent context.Context, wait bool) (context.Context, context.CancelFunc) {
	if wait {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, 30*time.Second)
}
