package mediaproviders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

func bearerHeader(token string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h
}

// apiKey returns the provider's first required credential.
func apiKey(call Call) string {
	if len(call.Config.Credentials) == 0 {
		return ""
	}
	return call.Credentials.Get(call.Config.Credentials[0])
}

func jsonRequest(endpoint string, header http.Header, body any) (*WireRequest, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Type", "application/json")
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	return &WireRequest{Method: http.MethodPost, URL: endpoint, Header: header, Body: data}, nil
}

type formFile struct {
	field string
	name  string
	data  []byte
}

func multipartRequest(endpoint string, header http.Header, fields map[string]string, file *formFile) (*WireRequest, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fields[k] == "" {
			continue
		}
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, err
		}
	}
	if file != nil {
		part, err := w.CreateFormFile(file.field, file.name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(file.data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Type", w.FormDataContentType())
	return &WireRequest{Method: http.MethodPost, URL: endpoint, Header: header, Body: buf.Bytes()}, nil
}

func isJSONResponse(resp *WireResponse) bool {
	if strings.HasSuffix(mediaTypeOf(resp.Header), "json") {
		return true
	}
	b := bytes.TrimSpace(resp.Body)
	return len(b) > 0 && (b[0] == '{' || b[0] == '[') && json.Valid(b)
}

// parseSize accepts "1024x1024" and "1024*1024".
func parseSize(size string) (int, int, error) {
	s := strings.ToLower(strings.TrimSpace(size))
	s = strings.ReplaceAll(s, "*", "x")
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", size)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", size)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", size)
	}
	return width, height, nil
}

func optInt(opts map[string]string, key string) (int, bool, error) {
	v, ok := opts[key]
	if !ok || v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("option %s: %q is not an integer", key, v)
	}
	return n, true, nil
}

func optFloat(opts map[string]string, key string) (float64, bool, error) {
	v, ok := opts[key]
	if !ok || v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("option %s: %q is not a number", key, v)
	}
	return f, true, nil
}

// origin returns scheme://host of an endpoint.
func origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// rejected builds the error for a provider-embedded failure marker in a 2xx body.
func rejected(call Call, code, message string) *Error {
	if message == "" {
		message = "provider reported an error"
	}
	return &Error{Kind: KindProviderRejected, Provider: call.Config.ID, Code: code, Message: message}
}
