package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Backoff constants for retry delays
const (
	maxRetryDelay = 60 * time.Second
	backoffFactor = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(initial time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// RetryPolicy controls how transport failures and 5xx responses are retried.
// 4xx responses are never retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first; 0 or 1 means no retry
	Delay       time.Duration // delay before the first retry
	Backoff     bool          // double the delay after each retry, capped at 60s
}

// RequestInterceptor may rewrite an outgoing request before it is sent.
// An error aborts the call before any network traffic.
type RequestInterceptor func(req *Request) error

// ResponseInterceptor observes or transforms a response after it is received.
type ResponseInterceptor func(resp *Response) error

// Request describes one HTTP call made through the client.
type Request struct {
	Method         string
	Path           string // joined to the client base URL, or a full URL
	Query          url.Values
	Header         http.Header
	Body           any    // marshaled to JSON when RawBody is nil
	RawBody        []byte // sent as-is when set
	ContentType    string // overrides the default application/json
	ValidateStatus func(status int) bool
}

// Response is the buffered result of a request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type authKind int

const (
	authNone authKind = iota
	authBearer
	authBasic
	authAPIKey
)

type authConfig struct {
	kind     authKind
	token    string
	username string
	password string
	header   string
	key      string
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryPolicy
	Header  http.Header // default headers applied to every request
}

// Client is a JSON-first HTTP client with retry, auth, and interceptor
// support, shared by the agent API and GitHub API wrappers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	header     http.Header
	retry      RetryPolicy

	mu   sync.RWMutex
	auth authConfig

	reqInterceptors  []RequestInterceptor
	respInterceptors []ResponseInterceptor
}

// NewClient creates a client for the given base URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	header := http.Header{}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		header:     header,
		retry:      retry,
	}
}

// SetBearerToken switches the client to bearer token auth.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = authConfig{kind: authBearer, token: token}
}

// SetBasicAuth switches the client to basic auth.
func (c *Client) SetBasicAuth(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = authConfig{kind: authBasic, username: username, password: password}
}

// SetAPIKey switches the client to API key auth on the given header.
func (c *Client) SetAPIKey(header, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = authConfig{kind: authAPIKey, header: header, key: key}
}

// ClearAuth removes any configured auth scheme.
func (c *Client) ClearAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = authConfig{}
}

// OnRequest appends a request interceptor. Interceptors run in the order added.
func (c *Client) OnRequest(fn RequestInterceptor) {
	c.reqInterceptors = append(c.reqInterceptors, fn)
}

// OnResponse appends a response interceptor. Interceptors run in the order added.
func (c *Client) OnResponse(fn ResponseInterceptor) {
	c.respInterceptors = append(c.respInterceptors, fn)
}

// Do executes the request, applying interceptors, auth, and the retry policy.
// Transport failures and 5xx responses are retried; 4xx responses are not.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	for _, fn := range c.reqInterceptors {
		if err := fn(req); err != nil {
			return nil, fmt.Errorf("request interceptor: %w", err)
		}
	}

	body, contentType, err := c.encodeBody(req)
	if err != nil {
		return nil, err
	}

	fullURL, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}

	var resp *Response
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retry.Delay
			if c.retry.Backoff {
				delay = calculateBackoff(c.retry.Delay, attempt-1)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, lastErr = c.send(ctx, req, fullURL, body, contentType)
		if lastErr != nil {
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue // transport error, retry
		}
		if resp.StatusCode >= 500 {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Method: req.Method, URL: fullURL, Body: resp.Body}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		if resp == nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, fullURL, lastErr)
		}
		return resp, lastErr
	}

	for _, fn := range c.respInterceptors {
		if err := fn(resp); err != nil {
			return resp, fmt.Errorf("response interceptor: %w", err)
		}
	}

	validate := req.ValidateStatus
	if validate == nil {
		validate = func(status int) bool { return status >= 200 && status < 300 }
	}
	if !validate(resp.StatusCode) {
		return resp, &StatusError{StatusCode: resp.StatusCode, Method: req.Method, URL: fullURL, Body: resp.Body}
	}
	return resp, nil
}

// Upload sends content as one part of a multipart/form-data body, along with
// any extra fields. The multipart writer supplies the content type so the
// default JSON header is not applied.
func (c *Client) Upload(ctx context.Context, path, fieldName, fileName string, content io.Reader, fields map[string]string) (*Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(fieldName, fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("copy upload content: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return c.Do(ctx, &Request{
		Method:      http.MethodPost,
		Path:        path,
		RawBody:     buf.Bytes(),
		ContentType: w.FormDataContentType(),
	})
}

func (c *Client) encodeBody(req *Request) ([]byte, string, error) {
	if req.RawBody != nil {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return req.RawBody, contentType, nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return data, contentType, nil
}

func (c *Client) buildURL(req *Request) (string, error) {
	raw := req.Path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		raw = c.baseURL + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("build url: %w", err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// send performs one attempt. The body is buffered so retries can resend it.
func (c *Client) send(ctx context.Context, req *Request, fullURL string, body []byte, contentType string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}
	c.applyAuth(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.auth.kind {
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.token)
	case authBasic:
		req.SetBasicAuth(c.auth.username, c.auth.password)
	case authAPIKey:
		req.Header.Set(c.auth.header, c.auth.key)
	}
}
