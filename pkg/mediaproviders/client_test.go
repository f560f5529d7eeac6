package mediaproviders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HKUDS/mediagen-go/pkg/artifacts"
)

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient("nope", Options{Lookup: mapLookup(nil)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestNewClient_MissingCredentialMakesNoCalls(t *testing.T) {
	transport := &countingTransport{}
	_, err := NewClient("ernie", Options{
		Lookup:     mapLookup(map[string]string{CredBaiduKey: "baidu-value-123", CredBaiduSecret: "   "}),
		HTTPClient: &http.Client{Transport: transport},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredential))
	assert.Contains(t, err.Error(), CredBaiduSecret)
	assert.NotContains(t, err.Error(), "baidu-value-123", "credential values must not leak")
	assert.Zero(t, transport.calls.Load())
}

func TestGenerate_LiteralBytesAndSave(t *testing.T) {
	var got struct {
		Prompt  string            `json:"prompt"`
		Options map[string]string `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	outDir := filepath.Join(t.TempDir(), "out")
	c := newTestClient(t, testProvider(srv.URL), Options{Save: true, OutputDir: outDir})

	res := c.Generate(context.Background(), Request{
		Operation: OpImage,
		Input:     "a red circle",
		Options:   map[string]string{"size": "512x512"},
	})
	require.True(t, res.Success, "%v", res.Err)
	assert.True(t, res.Valid())
	assert.Equal(t, []byte("PNGDATA"), res.Payload)
	assert.Equal(t, "image/png", res.MediaType)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "a red circle", got.Prompt)
	assert.Equal(t, "512x512", got.Options["size"])

	require.NotNil(t, res.Artifact)
	absOut, _ := filepath.Abs(outDir)
	assert.Equal(t, absOut, filepath.Dir(res.Artifact.Path))
	assert.Equal(t, ".png", filepath.Ext(res.Artifact.Path))
	data, err := os.ReadFile(res.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), data)
}

func TestGenerate_WithoutSaveWritesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	outDir := filepath.Join(t.TempDir(), "out")
	c := newTestClient(t, testProvider(srv.URL), Options{OutputDir: outDir})

	res := c.Generate(context.Background(), Request{Input: "bytes only"})
	require.True(t, res.Success)
	assert.Nil(t, res.Artifact)
	assert.NoDirExists(t, outDir)
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	metrics := NewMetrics(prometheus.NewRegistry())
	c := newTestClient(t, testProvider(srv.URL), Options{Metrics: metrics})

	res := c.Generate(context.Background(), Request{Input: "retry me"})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AttemptsTotal.WithLabelValues("test-provider")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("test-provider", "image", "success")))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.PayloadBytes.WithLabelValues("test-provider")))
}

func TestGenerate_ExhaustedRetriesKeepServerMessage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testProvider(srv.URL), Options{})
	res := c.Generate(context.Background(), Request{Input: "x"})

	require.False(t, res.Success)
	assert.True(t, res.Valid())
	assert.Equal(t, KindTransientNetworkFailure, res.Err.Kind)
	assert.True(t, res.Err.Retryable())
	assert.Equal(t, http.StatusBadGateway, res.Err.Status)
	assert.Equal(t, "server_error", res.Err.Code)
	assert.Contains(t, res.Err.Error(), "upstream overloaded")
	assert.Equal(t, int32(DefaultAttempts), calls.Load())
	assert.Equal(t, DefaultAttempts, res.Attempts)
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"size must be one of 1024x1024","code":"invalid_size"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testProvider(srv.URL), Options{})
	res := c.Generate(context.Background(), Request{Input: "x"})

	require.False(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, KindProviderRejected, res.Err.Kind)
	assert.Equal(t, "provider_rejected: test-provider: [status 400] [code invalid_size] size must be one of 1024x1024", res.Err.Error())
}

func TestGenerate_RawErrorBodyKeptVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted for key", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, testProvider(srv.URL), Options{})
	res := c.Generate(context.Background(), Request{Input: "x"})

	require.False(t, res.Success)
	assert.Equal(t, http.StatusForbidden, res.Err.Status)
	assert.Equal(t, "quota exhausted for key", res.Err.Message)
}

func TestGenerate_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	transport := &countingTransport{}
	c := newTestClient(t, testProvider(url), Options{HTTPClient: &http.Client{Transport: transport}})
	res := c.Generate(context.Background(), Request{Input: "x"})

	require.False(t, res.Success)
	assert.Equal(t, KindTransientNetworkFailure, res.Err.Kind)
	assert.Equal(t, DefaultAttempts, res.Attempts)
	assert.Equal(t, int32(DefaultAttempts), transport.calls.Load())
}

func TestGenerate_PerAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	cfg := testProvider(srv.URL)
	cfg.Timeout = 100 * time.Millisecond
	c := newTestClient(t, cfg, Options{})

	res := c.Generate(context.Background(), Request{Input: "slow"})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestGenerate_CanceledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, testProvider(srv.URL), Options{Backoff: 50 * time.Millisecond})
	res := c.Generate(ctx, Request{Input: "x"})

	require.False(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate_UnknownOptionsDroppedByDefault(t *testing.T) {
	var got map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Options map[string]string `json:"options"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = map[string]map[string]string{"options": body.Options}
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	c := newTestClient(t, testProvider(srv.URL), Options{})
	res := c.Generate(context.Background(), Request{
		Input:   "x",
		Options: map[string]string{"size": "512x512", "colour": "red", "Style": "vivid"},
	})
	require.True(t, res.Success)
	assert.Equal(t, map[string]string{"size": "512x512", "style": "vivid"}, got["options"])
}

func TestGenerate_StrictOptionsReject(t *testing.T) {
	transport := &countingTransport{}
	c := newTestClient(t, testProvider("http://127.0.0.1:1"), Options{
		StrictOptions: true,
		HTTPClient:    &http.Client{Transport: transport},
	})

	res := c.Generate(context.Background(), Request{Input: "x", Options: map[string]string{"colour": "red"}})
	require.False(t, res.Success)
	assert.Equal(t, KindInvalidOption, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "colour")
	assert.Zero(t, transport.calls.Load())
}

func TestGenerate_InvalidRequests(t *testing.T) {
	c := newTestClient(t, testProvider("http://127.0.0.1:1"), Options{})

	res := c.Generate(context.Background(), Request{Input: "   "})
	require.False(t, res.Success)
	assert.Equal(t, KindInvalidRequest, res.Err.Kind)

	res = c.Generate(context.Background(), Request{Operation: OpTTS, Input: "hello"})
	require.False(t, res.Success)
	assert.Equal(t, KindInvalidRequest, res.Err.Kind)
}

func TestGenerate_PersistenceFailureKeepsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	c := newTestClient(t, testProvider(srv.URL), Options{Save: true, Store: artifacts.NewStore(filepath.Join(blocker, "out"))})
	res := c.Generate(context.Background(), Request{Input: "x"})

	require.False(t, res.Success)
	assert.True(t, res.Valid())
	assert.Equal(t, KindPersistenceFailure, res.Err.Kind)
	assert.Equal(t, []byte("PNGDATA"), res.Payload)
}

func TestSave_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	fixed := func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	store := artifacts.NewStore(t.TempDir(), artifacts.WithClock(fixed))
	c := newTestClient(t, testProvider(srv.URL), Options{Store: store})

	res := c.Generate(context.Background(), Request{Input: "same"})
	require.True(t, res.Success)

	require.NoError(t, c.Save(context.Background(), res))
	first := res.Artifact.Path
	require.NoError(t, c.Save(context.Background(), res))
	assert.NotEqual(t, first, res.Artifact.Path)
	assert.FileExists(t, first)
	assert.FileExists(t, res.Artifact.Path)
}
