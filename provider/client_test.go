package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTokens hands out "tok-N" where N increments after each Invalidate.
type countingTokens struct {
	mu          sync.Mutex
	generation  int
	invalidated int
}

func (c *countingTokens) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("tok-%d", c.generation), nil
}

func (c *countingTokens) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.invalidated++
}

var pingEndpoint = Endpoint{Name: "ping", Method: http.MethodGet, Path: "/ping"}

func fastRetry() ClientOption {
	return WithRetry(2, time.Millisecond, 2*time.Millisecond)
}

func TestClient_RefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	c := NewClient(srv.URL, tokens, AuthHeader, fastRetry())

	resp, err := c.Expect(context.Background(), Request{Endpoint: pingEndpoint}, http.StatusOK)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, tokens.invalidated)
}

func TestClient_AuthRetryIsBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	c := NewClient(srv.URL, tokens, AuthHeader, fastRetry())

	_, err := c.Expect(context.Background(), Request{Endpoint: pingEndpoint}, http.StatusOK)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Equal(t, int32(defaultAuthAttempts), calls.Load())
	assert.Equal(t, defaultAuthAttempts-1, tokens.invalidated)
}

func TestClient_AnonymousRequestsCarryNoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.URL.Query().Get("access_token"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	c := NewClient(srv.URL, tokens, AuthHeader, fastRetry())

	_, err := c.Expect(context.Background(), Request{URL: srv.URL + "/upload", Anonymous: true}, http.StatusOK)
	require.Error(t, err)
	assert.Zero(t, tokens.invalidated)
}

func TestClient_QueryAuthAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-0", r.URL.Query().Get("access_token"))
		assert.Equal(t, "custom-agent", r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &countingTokens{}, AuthQuery, WithUserAgent("custom-agent"), fastRetry())
	resp, err := c.Expect(context.Background(), Request{Endpoint: pingEndpoint}, http.StatusNoContent)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, AuthHeader, fastRetry())
	resp, err := c.Expect(context.Background(), Request{Endpoint: pingEndpoint}, http.StatusOK)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ExhaustedRetriesReturnStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, AuthHeader, fastRetry())
	_, err := c.Expect(context.Background(), Request{Endpoint: pingEndpoint}, http.StatusOK)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
	assert.True(t, IsStatus(err, http.StatusBadGateway, http.StatusServiceUnavailable))
}

func TestClient_SendsContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(5), r.ContentLength)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, AuthHeader, fastRetry())
	put := Endpoint{Name: "put", Method: http.MethodPut, Path: "/x"}
	resp, err := c.Expect(context.Background(), Request{Endpoint: put, Body: []byte("hello")}, http.StatusCreated)
	require.NoError(t, err)
	resp.Body.Close()
}
