package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMedia_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))

	data, name, err := ReadMedia(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)
	assert.Equal(t, "clip.wav", name)
}

func TestReadMedia_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	data, name, err := ReadMedia(context.Background(), srv.Client(), srv.URL+"/audio/voice.mp3?sig=abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3"), data)
	assert.Equal(t, "voice.mp3", name)

	_, _, err = ReadMedia(context.Background(), srv.Client(), srv.URL+"/missing.mp3")
	require.Error(t, err)
}

func TestRotatableLogger_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediagen.log")
	l := NewRotatableLogger(path, 10, 2)
	defer l.Close()

	_, err := l.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = l.Write([]byte("abc"))
	require.NoError(t, err)

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(rotated))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(current))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}
