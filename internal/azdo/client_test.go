package azdo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Credential = Credential{Host: "dev.azure.com", Organization: "contoso", Secret: "s3cret"}
	cfg.BaseURL = srv.URL + "/contoso"
	cfg.RateLimit = 1000
	cfg.RateBurst = 100
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestCredentialBaseURL(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
		want string
	}{
		{name: "bare host", cred: Credential{Host: "dev.azure.com", Organization: "contoso"}, want: "https://dev.azure.com/contoso"},
		{name: "scheme and slash", cred: Credential{Host: "https://azdo.example.com/tfs/", Organization: "/coll/"}, want: "https://azdo.example.com/tfs/coll"},
		{name: "http", cred: Credential{Host: "http://localhost:8080", Organization: "org"}, want: "http://localhost:8080/org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.BaseURL())
		})
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{})
	assert.Error(t, err)

	_, err = NewClient(&Config{Credential: Credential{Host: "h", Organization: "o", Kind: "kerberos"}})
	assert.Error(t, err)

	c, err := NewClient(&Config{Credential: Credential{Host: "h", Organization: "o"}})
	require.NoError(t, err)
	assert.Equal(t, "https://h/o", c.BaseURL())
}

func TestClientAuthentication(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	t.Run("pat uses basic auth with empty user", func(t *testing.T) {
		c := newTestClient(t, srv)
		require.NoError(t, c.Get(context.Background(), "_apis/projects", nil, &struct{}{}))

		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", got.Load().(string))
		user, pass, ok := req.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "", user)
		assert.Equal(t, "s3cret", pass)
	})

	t.Run("bearer token", func(t *testing.T) {
		c := newTestClient(t, srv, func(cfg *Config) {
			cfg.Credential.Kind = CredentialBearer
			cfg.Credential.Secret = "tok"
		})
		require.NoError(t, c.Get(context.Background(), "_apis/projects", nil, &struct{}{}))
		assert.Equal(t, "Bearer tok", got.Load())
	})
}

func TestClientRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contoso/proj/_apis/build/definitions/7", r.URL.Path)
		assert.Equal(t, "7.1-preview", r.URL.Query().Get("api-version"))
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "sweep/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Put(context.Background(), "proj/_apis/build/definitions/7", nil, map[string]int{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"count":0,"value":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var env listEnvelope
	require.NoError(t, c.Get(context.Background(), "_apis/projects", nil, &env))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such thing", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.Get(context.Background(), "_apis/projects/x", nil, &struct{}{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.HTTPStatus())
	assert.Contains(t, apiErr.ResponseBody(), "no such thing")
	assert.NotContains(t, apiErr.URL, "api-version")
}

func TestMutationsAreNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Delete(context.Background(), "proj/_apis/teams/t/members/m", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNonJSONSuccessIsSoftFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>sign in</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "_apis/projects"})
	require.NoError(t, err)
	assert.Equal(t, "<html>sign in</html>", resp.Text)
	assert.Error(t, resp.JSON(&struct{}{}))

	_, err = c.GetRaw(context.Background(), "_apis/projects", nil)
	assert.Error(t, err)
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.BreakerFailures = 2
	})

	for range 2 {
		err := c.Get(context.Background(), "_apis/projects", nil, &struct{}{})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
	}

	err := c.Get(context.Background(), "_apis/projects", nil, &struct{}{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.BreakerFailures = 2
	})
	for range 5 {
		err := c.Get(context.Background(), "x", nil, &struct{}{})
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestWithBaseURLSharesClient(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	release := c.WithBaseURL(srv.URL + "/vsrm/contoso/")
	require.NoError(t, release.Get(context.Background(), "proj/_apis/release/definitions", nil, &struct{}{}))
	assert.Equal(t, "/vsrm/contoso/proj/_apis/release/definitions", path.Load())
	assert.Equal(t, srv.URL+"/contoso", c.BaseURL())
}
