package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

const maxResponseBytes = 8 << 20

// Options tune the HTTP transport used for Bot API calls.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Timeout bounds a whole call and must exceed the long-poll timeout.
	Timeout time.Duration
}

// DefaultOptions returns transport settings suitable for long polling with
// pollTimeout.
func DefaultOptions(pollTimeout time.Duration) Options {
	return Options{
		RetryMax:     4,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		Timeout:      pollTimeout + 15*time.Second,
	}
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Temporary reports whether the call may succeed if repeated later.
func (e *APIError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// Client calls the Telegram Bot API.
type Client struct {
	http     *retryablehttp.Client
	endpoint string
	token    string
}

// User is the subset of the Bot API user object the service reads.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// NewClient builds a client for apiURL authenticated with token.
func NewClient(apiURL, token string, logger *log.Logger, opts Options) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if apiURL == "" {
		apiURL = "https://api.telegram.org/"
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Backoff = retryAfterBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug("retrying telegram call", "method", path.Base(req.URL.Path), "attempt", attempt)
		}
	}
	rc.HTTPClient = &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}

	return &Client{
		http:     rc,
		endpoint: apiURL + "bot" + token + "/",
		token:    token,
	}, nil
}

// GetMe returns the bot's own account. It verifies the token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", struct{}{}, &u)
	return u, err
}

// DeleteMessage deletes one message from a chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	params := struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int64 `json:"message_id"`
	}{chatID, messageID}
	var ok bool
	return c.call(ctx, "deleteMessage", params, &ok)
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

func (c *Client) getUpdates(ctx context.Context, params getUpdatesParams) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if err := c.call(ctx, "getUpdates", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+method, bytes.NewReader(body))
	if err != nil {
		return c.redact(fmt.Errorf("build %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.redact(fmt.Errorf("telegram %s: %w", method, err))
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}
	if result == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// redact strips the token from transport errors, which embed the request URL.
func (c *Client) redact(err error) error {
	if !strings.Contains(err.Error(), c.token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), c.token, "[secret]"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// retryAfterBackoff honours the Retry-After header Telegram sends with 429s.
func retryAfterBackoff(mn, mx time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil {
				return time.Duration(sec) * time.Second
			}
		}
	}
	return retryablehttp.DefaultBackoff(mn, mx, attemptNum, resp)
}
