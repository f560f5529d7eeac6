package mediaproviders

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultPollInterval is the pause between async task status checks.
const DefaultPollInterval = 2 * time.Second

const textMediaType = "text/plain; charset=utf-8"

// normalize turns a provider response into the uniform result.
func (c *Client) normalize(ctx context.Context, call Call, resp *WireResponse, res *Result) *Result {
	if resp.Status < 200 || resp.Status > 299 {
		return res.fail(c.errorFromResponse(resp))
	}

	out, err := c.cfg.Adapter.Decode(call, resp)
	if err != nil {
		perr := wrapError(KindProviderRejected, c.cfg.ID, err)
		c.dropStaleToken(perr)
		return res.fail(perr)
	}

	if out.PollURL != "" {
		poller, ok := c.cfg.Adapter.(Poller)
		if !ok {
			return res.fail(newError(KindProviderRejected, c.cfg.ID, "async task returned but provider cannot poll"))
		}
		out, err = c.poll(ctx, call, poller, out.PollURL)
		if err != nil {
			return res.fail(wrapError(KindProviderRejected, c.cfg.ID, err))
		}
	}

	res.RevisedPrompt = out.RevisedPrompt
	res.URL = out.URL
	res.Payload = out.Payload

	if len(res.Payload) == 0 && out.Base64 != "" {
		data, err := decodeBase64(out.Base64)
		if err != nil {
			return res.fail(&Error{Kind: KindProviderRejected, Provider: c.cfg.ID, Message: "invalid base64 payload", Cause: err})
		}
		res.Payload = data
	}

	if call.Request.Operation == OpSTT {
		if out.Text == "" && len(res.Payload) == 0 && res.URL != "" {
			if ferr := c.fetchTranscript(ctx, call, res.URL, &out); ferr != nil {
				return res.fail(ferr)
			}
		}
		res.Text = out.Text
		if res.Text == "" && len(res.Payload) > 0 {
			res.Text = string(res.Payload)
		}
		if strings.TrimSpace(res.Text) == "" {
			return res.fail(newError(KindProviderRejected, c.cfg.ID, "response carried an empty transcript"))
		}
		res.Payload = []byte(res.Text)
		res.MediaType = textMediaType
		res.Success = true
		return res
	}

	if len(res.Payload) == 0 && res.URL != "" {
		data, mediaType, err := c.download(ctx, res.URL)
		if err != nil {
			return res.fail(err)
		}
		res.Payload = data
		if out.MediaType == "" {
			out.MediaType = mediaType
		}
	}

	if len(res.Payload) == 0 {
		return res.fail(newError(KindProviderRejected, c.cfg.ID, "response carried no media payload"))
	}

	res.MediaType = out.MediaType
	if res.MediaType == "" && len(out.Payload) > 0 {
		// The response body itself is the media.
		res.MediaType = mediaTypeOf(resp.Header)
	}
	if res.MediaType == "" || res.MediaType == "application/json" || res.MediaType == "application/octet-stream" {
		res.MediaType = mimetype.Detect(res.Payload).String()
	}
	res.Success = true
	return res
}

// fetchTranscript downloads a transcription document and extracts its text.
func (c *Client) fetchTranscript(ctx context.Context, call Call, url string, out *Output) *Error {
	data, _, derr := c.download(ctx, url)
	if derr != nil {
		return derr
	}
	td, ok := c.cfg.Adapter.(TranscriptDecoder)
	if !ok {
		out.Text = string(data)
		return nil
	}
	text, err := td.DecodeTranscript(call, data)
	if err != nil {
		return wrapError(KindProviderRejected, c.cfg.ID, err)
	}
	out.Text = text
	return nil
}

// dropStaleToken invalidates the cached session token when the provider says it is no longer valid.
func (c *Client) dropStaleToken(err *Error) {
	if c.tokens == nil || err == nil || err.Code == "" {
		return
	}
	if d, ok := c.cfg.Adapter.(StaleTokenDetector); ok && d.StaleToken(err.Code) {
		c.log.Debug().Str("code", err.Code).Msg("Session token rejected, dropping it")
		c.tokens.Invalidate()
	}
}

// poll checks an async task until it finishes, fails, or the provider timeout elapses.
func (c *Client) poll(ctx context.Context, call Call, poller Poller, pollURL string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Output{}, &Error{
				Kind:     KindTransientNetworkFailure,
				Provider: c.cfg.ID,
				Message:  fmt.Sprintf("task did not finish within %s", c.cfg.Timeout),
				Cause:    ctx.Err(),
			}
		case <-ticker.C:
		}

		wr, err := poller.PollRequest(call, pollURL)
		if err != nil {
			return Output{}, err
		}
		resp, _, err := c.send(ctx, wr, c.cfg.Timeout)
		if err != nil {
			return Output{}, err
		}
		if resp.Status < 200 || resp.Status > 299 {
			return Output{}, c.errorFromResponse(resp)
		}
		out, done, err := poller.DecodePoll(call, resp)
		if err != nil {
			return Output{}, err
		}
		if done {
			return out, nil
		}
		c.log.Debug().Str("task", pollURL).Msg("Task still running")
	}
}

// download materializes a provider-returned URL with the same retry policy as the main call.
func (c *Client) download(ctx context.Context, url string) ([]byte, string, *Error) {
	resp, _, err := c.send(ctx, &WireRequest{Method: http.MethodGet, URL: url}, c.cfg.Timeout)
	if err != nil {
		return nil, "", &Error{Kind: KindDownloadFailure, Provider: c.cfg.ID, Message: "fetch " + url, Cause: err}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, "", &Error{
			Kind:     KindDownloadFailure,
			Provider: c.cfg.ID,
			Status:   resp.Status,
			Message:  fmt.Sprintf("fetch %s: %s", url, snippet(resp.Body)),
		}
	}
	if len(resp.Body) == 0 {
		return nil, "", &Error{Kind: KindDownloadFailure, Provider: c.cfg.ID, Message: "fetch " + url + ": empty body"}
	}
	return resp.Body, mediaTypeOf(resp.Header), nil
}

// errorFromResponse maps a non-2xx response to an error, keeping the provider's message and code.
func (c *Client) errorFromResponse(resp *WireResponse) *Error {
	kind := KindProviderRejected
	if resp.Status >= 500 {
		kind = KindTransientNetworkFailure
	}
	code, msg := extractError(resp.Body)
	if msg == "" {
		msg = snippet(resp.Body)
	}
	if msg == "" {
		msg = http.StatusText(resp.Status)
	}
	return &Error{Kind: kind, Provider: c.cfg.ID, Status: resp.Status, Code: code, Message: msg}
}

// extractError pulls a code and message out of the JSON error shapes providers commonly use.
func extractError(body []byte) (code, message string) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", ""
	}

	switch e := raw["error"].(type) {
	case map[string]any:
		message = stringOf(e["message"])
		code = stringOf(e["code"])
		if code == "" {
			code = stringOf(e["type"])
		}
		return code, message
	case string:
		message = e
		if d := stringOf(raw["error_description"]); d != "" {
			message = e + ": " + d
		}
		return stringOf(raw["code"]), message
	}

	if ec := stringOf(raw["error_code"]); ec != "" {
		return ec, stringOf(raw["error_msg"])
	}

	code = stringOf(raw["code"])
	for _, key := range []string{"message", "msg", "errmsg"} {
		if m := stringOf(raw[key]); m != "" {
			return code, m
		}
	}
	if errs, ok := raw["errors"].([]any); ok && len(errs) > 0 {
		parts := make([]string, 0, len(errs))
		for _, e := range errs {
			parts = append(parts, stringOf(e))
		}
		return stringOf(raw["name"]), strings.Join(parts, "; ")
	}
	return code, ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

func mediaTypeOf(h http.Header) string {
	if h == nil {
		return ""
	}
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
