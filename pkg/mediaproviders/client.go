package mediaproviders

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/artifacts"
	"github.com/HKUDS/mediagen-go/pkg/utils"
)

// Lookup resolves a credential by name, env-style.
type Lookup func(name string) (string, bool)

// Options configure a Client. Zero values select the defaults.
type Options struct {
	Registry   *Registry
	Lookup     Lookup
	HTTPClient *http.Client

	Attempts     int
	Backoff      time.Duration
	TokenMargin  time.Duration
	PollInterval time.Duration
	// StrictOptions rejects unknown option keys instead of dropping them.
	StrictOptions bool

	// Save persists every successful result through Store.
	Save bool
	// Store receives saved artifacts. When nil and Save is set, a store over OutputDir is used.
	Store     *artifacts.Store
	OutputDir string

	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Client generates media through one provider.
type Client struct {
	cfg   ProviderConfig
	creds Credentials
	http  *http.Client

	attempts     int
	backoff      time.Duration
	pollInterval time.Duration
	strict       bool

	save  bool
	store *artifacts.Store

	tokens  *TokenCache
	log     zerolog.Logger
	metrics *Metrics
}

// NewClient resolves the provider and its credentials. It fails before any network call when the
// provider is unknown or a required credential is absent.
func NewClient(providerID string, opts Options) (*Client, error) {
	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	cfg, err := reg.Resolve(providerID)
	if err != nil {
		return nil, err
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	creds := make(Credentials, len(cfg.Credentials))
	var missing []string
	for _, name := range cfg.Credentials {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
			continue
		}
		creds[name] = v
	}
	if len(missing) > 0 {
		return nil, newError(KindMissingCredential, cfg.ID, "credential %s is not set", strings.Join(missing, ", "))
	}

	c := &Client{
		cfg:          cfg,
		creds:        creds,
		http:         opts.HTTPClient,
		attempts:     opts.Attempts,
		backoff:      opts.Backoff,
		pollInterval: opts.PollInterval,
		strict:       opts.StrictOptions,
		save:         opts.Save,
		store:        opts.Store,
		metrics:      opts.Metrics,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.save && c.store == nil {
		dir := opts.OutputDir
		if dir == "" {
			dir = "output"
		}
		c.store = artifacts.NewStore(dir)
	}

	base := zerolog.Nop()
	if opts.Logger != nil {
		base = *opts.Logger
	}
	c.log = base.With().Str("component", "mediaproviders").Str("provider", cfg.ID).Logger()

	if ta, ok := cfg.Adapter.(TokenAdapter); ok {
		margin := opts.TokenMargin
		if margin <= 0 {
			margin = DefaultTokenMargin
		}
		c.tokens = NewTokenCache(func(ctx context.Context) (string, time.Duration, error) {
			return c.fetchToken(ctx, ta)
		}, margin)
	}
	return c, nil
}

// Provider returns the resolved provider configuration.
func (c *Client) Provider() ProviderConfig { return c.cfg.clone() }

// Generate runs one request. Failures are reported on the result, never returned as errors.
func (c *Client) Generate(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := c.generate(ctx, req)
	elapsed := time.Since(start)
	c.metrics.recordResult(res, elapsed.Seconds())

	if res.Success {
		ev := c.log.Info().Str("operation", string(res.Operation)).Int("bytes", len(res.Payload)).
			Int("attempts", res.Attempts).Dur("elapsed", elapsed)
		if res.Artifact != nil {
			ev = ev.Str("path", res.Artifact.Path)
		}
		ev.Msg("Generation succeeded")
	} else {
		c.log.Warn().Str("operation", string(res.Operation)).Int("attempts", res.Attempts).
			Str("error", res.Err.Error()).Msg("Generation failed")
	}
	return res
}

func (c *Client) generate(ctx context.Context, req Request) *Result {
	if req.Operation == "" {
		req.Operation = c.cfg.Operation
	}
	res := &Result{Provider: c.cfg.ID, Operation: req.Operation, Input: req.Input}

	if req.Operation != c.cfg.Operation {
		return res.fail(newError(KindInvalidRequest, c.cfg.ID, "provider serves %s, not %s", c.cfg.Operation, req.Operation))
	}
	if strings.TrimSpace(req.Input) == "" && len(req.Audio) == 0 {
		return res.fail(newError(KindInvalidRequest, c.cfg.ID, "input is empty"))
	}

	opts, verr := c.options(req.Options)
	if verr != nil {
		return res.fail(verr)
	}
	req.Options = opts

	if req.Operation == OpSTT {
		if ferr := c.audioInput(ctx, &req); ferr != nil {
			return res.fail(ferr)
		}
	}

	call := Call{Config: c.cfg, Request: req, Credentials: c.creds}
	if c.tokens != nil {
		token, err := c.tokens.Get(ctx)
		if err != nil {
			return res.fail(wrapError(KindProviderRejected, c.cfg.ID, err))
		}
		call.Token = token
	}

	wr, err := c.cfg.Adapter.Encode(ctx, call)
	if err != nil {
		return res.fail(wrapError(KindInvalidRequest, c.cfg.ID, err))
	}

	resp, attempts, err := c.send(ctx, wr, c.cfg.Timeout)
	res.Attempts = attempts
	if err != nil {
		return res.fail(wrapError(KindTransientNetworkFailure, c.cfg.ID, err))
	}

	c.normalize(ctx, call, resp, res)
	if res.Success && c.save {
		c.Save(ctx, res)
	}
	return res
}

// audioInput resolves the audio for an stt request. Local paths are read unless the request is
// remote-only; URL-audio providers get the URL as is.
func (c *Client) audioInput(ctx context.Context, req *Request) *Error {
	byURL := false
	if ua, ok := c.cfg.Adapter.(URLAudio); ok {
		byURL = ua.AudioByURL()
	}
	if byURL {
		if len(req.Audio) > 0 || !utils.IsURL(req.Input) {
			return newError(KindInvalidRequest, c.cfg.ID, "provider transcribes audio by URL, input must be an http(s) URL")
		}
		return nil
	}
	if len(req.Audio) > 0 {
		return nil
	}
	if req.RemoteOnly && !utils.IsURL(req.Input) {
		return newError(KindInvalidRequest, c.cfg.ID, "audio input must be an http(s) URL")
	}

	data, name, err := utils.ReadMedia(ctx, c.http, req.Input)
	if err != nil {
		kind := KindInvalidRequest
		if utils.IsURL(req.Input) {
			kind = KindDownloadFailure
		}
		return &Error{Kind: kind, Provider: c.cfg.ID, Message: "read audio " + req.Input, Cause: err}
	}
	req.Audio = data
	req.AudioName = name
	return nil
}

// options merges provider defaults with the request's options, dropping (or, in strict mode,
// rejecting) keys the provider does not accept.
func (c *Client) options(in map[string]string) (map[string]string, *Error) {
	out := make(map[string]string, len(c.cfg.Defaults)+len(in))
	for k, v := range c.cfg.Defaults {
		out[k] = v
	}

	var unknown []string
	for k, v := range in {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
		if !c.cfg.Accepts(key) {
			unknown = append(unknown, k)
			continue
		}
		out[key] = v
	}
	if len(unknown) == 0 {
		return out, nil
	}

	sort.Strings(unknown)
	if c.strict {
		return nil, newError(KindInvalidOption, c.cfg.ID, "unsupported option(s) %s (accepted: %s)",
			strings.Join(unknown, ", "), strings.Join(c.cfg.Options, ", "))
	}
	c.log.Debug().Strs("dropped", unknown).Msg("Dropping unsupported options")
	return out, nil
}

// Save persists a successful result's payload. On failure the result is marked failed with a
// persistence error and keeps its payload.
func (c *Client) Save(ctx context.Context, res *Result) error {
	if res == nil || !res.Success || len(res.Payload) == 0 {
		return newError(KindInvalidRequest, c.cfg.ID, "only successful results with a payload can be saved")
	}
	if c.store == nil {
		return newError(KindPersistenceFailure, c.cfg.ID, "no artifact store configured")
	}
	art, err := c.store.Save(ctx, res.Payload, res.Input, res.MediaType)
	if err != nil {
		perr := &Error{Kind: KindPersistenceFailure, Provider: c.cfg.ID, Message: err.Error(), Cause: err}
		res.fail(perr)
		return perr
	}
	res.Artifact = art
	return nil
}

func (c *Client) fetchToken(ctx context.Context, ta TokenAdapter) (string, time.Duration, error) {
	wr, err := ta.TokenRequest(Call{Config: c.cfg, Credentials: c.creds})
	if err != nil {
		return "", 0, wrapError(KindInvalidRequest, c.cfg.ID, err)
	}
	resp, _, err := c.send(ctx, wr, c.cfg.Timeout)
	if err != nil {
		return "", 0, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return "", 0, c.errorFromResponse(resp)
	}
	token, ttl, err := ta.DecodeToken(resp)
	if err != nil {
		return "", 0, wrapError(KindProviderRejected, c.cfg.ID, fmt.Errorf("token: %w", err))
	}
	c.log.Debug().Dur("ttl", ttl).Msg("Fetched session token")
	return token, ttl, nil
}
