package egress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/retry"
)

func fastPolicy() *retry.Policy {
	return retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
}

func TestVerifyAcceptsExpectedIP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ip":"203.0.113.7"}`)
	}))
	defer srv.Close()

	v, err := New(Config{EchoURL: srv.URL, ExpectedIPs: []string{"203.0.113.7"}}, fastPolicy(), nil)
	require.NoError(t, err)
	st, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", st.IP)
	assert.True(t, st.OK)
}

func TestVerifyRejectsUnexpectedIP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "198.51.100.1\n")
	}))
	defer srv.Close()

	v, err := New(Config{EchoURL: srv.URL, ExpectedIPs: []string{"203.0.113.7"}}, nil, nil)
	require.NoError(t, err)
	st, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", st.IP)
	assert.False(t, st.OK)
}

func TestVerifyAnyIPWhenUnconfigured(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "2001:db8::1")
	}))
	defer srv.Close()

	v, err := New(Config{EchoURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	st, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, st.OK)
}

func TestVerifyRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ip":"203.0.113.7"}`)
	}))
	defer srv.Close()

	v, err := New(Config{EchoURL: srv.URL}, fastPolicy(), nil)
	require.NoError(t, err)
	st, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, st.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestVerifyDoesNotRetryGarbage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "<html>captive portal</html>")
	}))
	defer srv.Close()

	v, err := New(Config{EchoURL: srv.URL}, fastPolicy(), nil)
	require.NoError(t, err)
	_, err = v.Verify(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerifyStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "client error is permanent", status: http.StatusForbidden, wantCalls: 1},
		{name: "not found is permanent", status: http.StatusNotFound, wantCalls: 1},
		{name: "rate limited is retried", status: http.StatusTooManyRequests, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			v, err := New(Config{EchoURL: srv.URL}, fastPolicy(), nil)
			require.NoError(t, err)
			_, err = v.Verify(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Contains(t, err.Error(), fmt.Sprint(tt.status))
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ProxyURL: "::not a url"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{ExpectedIPs: []string{"not-an-ip"}}, nil, nil)
	require.Error(t, err)
	v, err := New(Config{ProxyURL: "http://proxy.internal:3128"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.ipify.org?format=json", v.cfg.EchoURL)
}
