package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/labelrelay/internal/logging"
)

const (
	DefaultEndpoint = "https://api.linear.app/graphql"

	// TransientErrorCode is the only extension code that makes a request retriable.
	TransientErrorCode = "INTERNAL_SERVER_ERROR"

	maxErrorPreview = 256
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrMutationUnsuccessful = errors.New("mutation reported success=false")
)

// Request is one query or mutation sent to the single GraphQL endpoint.
type Request struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// ProtocolError means the transport failed or the response was not a well-formed
// GraphQL envelope.
type ProtocolError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("tracker protocol error: status=%d %s", e.StatusCode, msg)
	}
	return "tracker protocol error: " + msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// ApplicationError carries the structured errors array returned by the tracker.
type ApplicationError struct {
	StatusCode int
	Errors     []GraphQLError
}

func (e *ApplicationError) first() GraphQLError {
	if len(e.Errors) == 0 {
		return GraphQLError{}
	}
	return e.Errors[0]
}

func (e *ApplicationError) Error() string {
	first := e.first()
	message := first.Message
	if presentable, ok := first.Extensions["userPresentableMessage"].(string); ok && strings.TrimSpace(presentable) != "" {
		message = presentable
	}
	if code := first.Code(); code != "" {
		return fmt.Sprintf("tracker error %s: %s", code, message)
	}
	return "tracker error: " + message
}

func (e *ApplicationError) Code() string {
	return e.first().Code()
}

// Transient reports whether the first error carries TransientErrorCode.
func (e *ApplicationError) Transient() bool {
	return e.Code() == TransientErrorCode
}

func IsTransient(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr) && appErr.Transient()
}

type Options struct {
	Endpoint    string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	UserAgent   string
	// RequestsPerSecond caps outbound calls; zero disables the limiter.
	RequestsPerSecond float64
	Logger            *log.Logger
}

type Client struct {
	endpoint    string
	tokenMu     sync.RWMutex
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	userAgent   string
	limiter     *rate.Limiter
	logger      *log.Logger
}

func NewClient(opts Options) *Client {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		endpoint:    endpoint,
		tokenSource: opts.TokenSource,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		limiter:     limiter,
		logger:      logging.Component(opts.Logger, "tracker"),
	}
}

// SetTokenSource replaces the credentials used for subsequent requests.
// Requests already in flight keep the token they were sent with.
func (c *Client) SetTokenSource(ts oauth2.TokenSource) {
	c.tokenMu.Lock()
	c.tokenSource = ts
	c.tokenMu.Unlock()
}

func (c *Client) currentTokenSource() oauth2.TokenSource {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.tokenSource
}

// Execute sends req and decodes the data object into out. A request whose first
// error is transient is resent unchanged, immediately, up to retryBudget times.
// Resending the identical payload keeps caller-assigned ids stable across attempts.
func (c *Client) Execute(ctx context.Context, req Request, retryBudget int, out any) error {
	if c == nil {
		return fmt.Errorf("tracker client is nil")
	}
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err := c.do(ctx, body, out)
		if err == nil {
			return nil
		}
		if attempt < retryBudget && IsTransient(err) {
			c.logger.Debug("retrying after transient tracker error", "operation", req.OperationName, "attempt", attempt+1, "err", err)
			continue
		}
		return err
	}
}

func (c *Client) do(ctx context.Context, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if ts := c.currentTokenSource(); ts != nil {
		token, err := ts.Token()
		if err != nil {
			return fmt.Errorf("tracker token: %w", err)
		}
		token.SetAuthHeader(httpReq)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ProtocolError{Message: "request failed", Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &ProtocolError{StatusCode: resp.StatusCode, Message: "read response", Err: readErr}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []GraphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return &ProtocolError{StatusCode: resp.StatusCode, Message: "response is not valid json: " + preview(payload)}
	}
	// errors may accompany partial data; they win.
	if len(envelope.Errors) > 0 {
		return &ApplicationError{StatusCode: resp.StatusCode, Errors: envelope.Errors}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProtocolError{StatusCode: resp.StatusCode, Message: preview(payload)}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &ProtocolError{StatusCode: resp.StatusCode, Message: "response carried no data"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &ProtocolError{StatusCode: resp.StatusCode, Message: "unexpected data shape", Err: err}
	}
	return nil
}

func preview(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > maxErrorPreview {
		return text[:maxErrorPreview] + "..."
	}
	return text
}
