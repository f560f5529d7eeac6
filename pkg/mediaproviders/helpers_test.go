package mediaproviders

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testKey = "TEST_API_KEY"

// echoAdapter posts the prompt as JSON and treats the response body as the payload.
type echoAdapter struct{}

func (echoAdapter) Encode(_ context.Context, call Call) (*WireRequest, error) {
	return jsonRequest(call.Config.Endpoint, bearerHeader(apiKey(call)), map[string]any{
		"prompt":  call.Request.Input,
		"options": call.Request.Options,
	})
}

func (echoAdapter) Decode(_ Call, resp *WireResponse) (Output, error) {
	return Output{Payload: resp.Body}, nil
}

func testProvider(endpoint string) ProviderConfig {
	return ProviderConfig{
		ID:          "test-provider",
		Operation:   OpImage,
		Endpoint:    endpoint,
		Credentials: []string{testKey},
		Options:     []string{"size", "style"},
		Timeout:     5 * time.Second,
		Adapter:     echoAdapter{},
	}
}

func mapLookup(values map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

// newTestClient builds a client over a single-provider registry with fast retries.
func newTestClient(t *testing.T, cfg ProviderConfig, opts Options) *Client {
	t.Helper()
	if opts.Registry == nil {
		reg, err := NewRegistry(cfg)
		require.NoError(t, err)
		opts.Registry = reg
	}
	if opts.Lookup == nil {
		opts.Lookup = mapLookup(map[string]string{
			testKey:         "test-secret",
			CredOpenAI:      "sk-test",
			CredStability:   "sk-stability",
			CredDashScope:   "sk-dashscope",
			CredBaiduKey:    "baidu-key",
			CredBaiduSecret: "baidu-secret",
			CredSiliconFlow: "sk-silicon",
		})
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	c, err := NewClient(cfg.ID, opts)
	require.NoError(t, err)
	return c
}

// overridden returns a default-registry client whose endpoints point at a test server.
func overridden(t *testing.T, id string, o Override, opts Options) *Client {
	t.Helper()
	reg, err := DefaultRegistry().WithOverrides(map[string]Override{id: o})
	require.NoError(t, err)
	opts.Registry = reg
	cfg, err := reg.Resolve(id)
	require.NoError(t, err)
	return newTestClient(t, cfg, opts)
}

// countingTransport records every outbound request.
type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	next := c.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}
