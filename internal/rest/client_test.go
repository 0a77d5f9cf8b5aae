package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsOnThirdAttemptAfterTransportErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			// Drop the connection so the client sees a transport error
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	})

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/thing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	})

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such run"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	})

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/runs/9"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
	assert.True(t, IsStatus(err, http.StatusNotFound))
	require.NotNil(t, resp)
	assert.Contains(t, string(resp.Body), "no such run")
}

func TestDo_ExhaustedRetriesSurfaceLastServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond},
	})

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
}

func TestDo_JSONBodyAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["prompt"])

		w.Write([]byte(`{"id":"run-1"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})

	resp, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/runs",
		Query:  url.Values{"limit": []string{"5"}},
		Body:   map[string]string{"prompt": "hello"},
	})
	require.NoError(t, err)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, "run-1", out.ID)
}

func TestAuthSchemes(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()
	req := &Request{Method: http.MethodGet, Path: "/"}

	c.SetBearerToken("tok123")
	_, err := c.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)

	// Switching schemes replaces the previous one
	c.SetAPIKey("X-API-Key", "key456")
	_, err = c.Do(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
	assert.Equal(t, "key456", gotKey)

	c.SetBasicAuth("user", "pass")
	_, err = c.Do(ctx, req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gotAuth, "Basic "))
	assert.Empty(t, gotKey)

	c.ClearAuth()
	_, err = c.Do(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
	assert.Empty(t, gotKey)
}

func TestRequestInterceptor_RewritesRequest(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Trace")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	c.OnRequest(func(req *Request) error {
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("X-Trace", "abc")
		return nil
	})

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "abc", gotHeader)
}

func TestRequestInterceptor_ErrorAbortsBeforeSend(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	c.OnRequest(func(req *Request) error {
		return assert.AnError
	})

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "interceptor failure must abort before sending")
}

func TestResponseInterceptor_Observes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	var seen []byte
	c := NewClient(Config{BaseURL: srv.URL})
	c.OnResponse(func(resp *Response) error {
		seen = resp.Body
		return nil
	})

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(seen))
}

func TestUpload_MultipartBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("artifact")
		require.NoError(t, err)
		defer file.Close()

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "screenshot.png", header.Filename)
		assert.Equal(t, "fake-png-bytes", string(data))
		assert.Equal(t, "run-1", r.FormValue("run_id"))

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})

	resp, err := c.Upload(context.Background(), "/artifacts", "artifact", "screenshot.png",
		strings.NewReader("fake-png-bytes"), map[string]string{"run_id": "run-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCustomValidateStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})

	// Caller treats 404 as acceptable, e.g. during endpoint probing
	resp, err := c.Do(context.Background(), &Request{
		Method:         http.MethodPost,
		Path:           "/maybe",
		ValidateStatus: func(status int) bool { return status == http.StatusOK || status == http.StatusNotFound },
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, calculateBackoff(time.Second, 0))
	assert.Equal(t, 2*time.Second, calculateBackoff(time.Second, 1))
	assert.Equal(t, 4*time.Second, calculateBackoff(time.Second, 2))
	assert.Equal(t, maxRetryDelay, calculateBackoff(time.Second, 20))
}
