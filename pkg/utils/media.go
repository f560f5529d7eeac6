package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxMediaBytes caps how much of a remote or local media file is read into memory.
const MaxMediaBytes = 25 << 20

// IsURL reports whether the reference is an http(s) URL.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// GetMediaReader returns a ReadCloser for the media, and its filename.
// The caller is responsible for closing the reader.
func GetMediaReader(ctx context.Context, client *http.Client, pathOrURL string) (io.ReadCloser, string, error) {
	if IsURL(pathOrURL) {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pathOrURL, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("failed to download media: %s", resp.Status)
		}

		// Try to get filename from URL
		filename := filepath.Base(pathOrURL)
		// If URL has query parameters, strip them
		if idx := strings.Index(filename, "?"); idx != -1 {
			filename = filename[:idx]
		}

		if filename == "" || filename == "." || filename == "/" {
			filename = "downloaded_media"
		}
		return resp.Body, filename, nil
	}

	f, err := os.Open(pathOrURL)
	if err != nil {
		return nil, "", err
	}
	return f, filepath.Base(pathOrURL), nil
}

// ReadMedia reads a whole media reference, refusing anything larger than MaxMediaBytes.
func ReadMedia(ctx context.Context, client *http.Client, pathOrURL string) ([]byte, string, error) {
	rc, name, err := GetMediaReader(ctx, client, pathOrURL)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxMediaBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("media %s exceeds %d bytes", name, MaxMediaBytes)
	}
	return data, name, nil
}
