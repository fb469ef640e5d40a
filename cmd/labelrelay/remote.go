package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/labelrelay/internal/config"
	"github.com/agentworkforce/labelrelay/internal/httpapi"
)

const cliTokenTTL = 5 * time.Minute

// HTTPError is a non-2xx answer from the admin API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// adminClient calls the admin endpoints of a running serve process.
type adminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAdminClient(cfg *config.Config, serverURL string, scopes ...string) (*adminClient, error) {
	if cfg.Server.JWTSecret == "" {
		return nil, fmt.Errorf("server.jwt_secret is not configured, the admin API is disabled")
	}
	if serverURL == "" {
		serverURL = localServerURL(cfg.Server.Addr)
	}
	return &adminClient{
		baseURL:    strings.TrimRight(serverURL, "/"),
		token:      httpapi.SignToken(cfg.Server.JWTSecret, "labelrelay-cli", scopes, cliTokenTTL, time.Now().UTC()),
		httpClient: &http.Client{},
	}, nil
}

// localServerURL turns a listen address such as ":8080" into a URL on the
// loopback interface.
func localServerURL(addr string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host
}

func (c *adminClient) SyncLabels(ctx context.Context, dryRun bool) (httpapi.SyncResponse, error) {
	var out httpapi.SyncResponse
	query := url.Values{}
	if dryRun {
		query.Set("dryRun", "true")
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/sync-labels?"+query.Encode(), &out)
	return out, err
}

func (c *adminClient) doJSON(ctx context.Context, method, requestPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach labelrelay server at %s: %w", c.baseURL, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
}
