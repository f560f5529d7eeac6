package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TimestampLayout is the filename timestamp, second granularity.
const TimestampLayout = "20060102_150405"

// MaxSliceRunes caps the input slice used in filenames.
const MaxSliceRunes = 30

const maxCollisionRetries = 5

// Artifact is a generated payload written to disk.
type Artifact struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	MediaType string    `json:"mediaType,omitempty"`
	// URL is set when the artifact was mirrored to object storage.
	URL string `json:"url,omitempty"`
}

// Mirror copies a saved artifact somewhere reachable and returns its public URL.
type Mirror interface {
	Upload(ctx context.Context, art *Artifact) (string, error)
}

// Store writes artifacts into one output directory.
type Store struct {
	dir    string
	now    func() time.Time
	mirror Mirror
	log    zerolog.Logger
}

type StoreOption func(*Store)

// WithMirror uploads every saved artifact through m.
func WithMirror(m Mirror) StoreOption {
	return func(s *Store) { s.mirror = m }
}

// WithClock replaces time.Now for filename timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l.With().Str("component", "artifacts").Logger() }
}

// NewStore creates a store over dir. The directory is created on first save.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the configured output directory.
func (s *Store) Dir() string { return s.dir }

// Save writes payload to {timestamp}_{slice}.{ext}. An existing file is never overwritten: on a
// name collision a short random suffix is appended.
func (s *Store) Save(ctx context.Context, payload []byte, input, mediaType string) (*Artifact, error) {
	if len(payload) == 0 {
		return nil, errors.New("refusing to save an empty payload")
	}
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	created := s.now()
	base := created.Format(TimestampLayout) + "_" + Sanitize(input)
	ext := Extension(mediaType, payload)

	path := filepath.Join(dir, base+ext)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	for i := 0; err != nil && errors.Is(err, os.ErrExist) && i < maxCollisionRetries; i++ {
		path = filepath.Join(dir, base+"_"+uuid.NewString()[:8]+ext)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	n, err := f.Write(payload)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	if mediaType == "" {
		mediaType = mimetype.Detect(payload).String()
	}
	art := &Artifact{Path: path, Size: int64(n), CreatedAt: created, MediaType: mediaType}
	s.log.Debug().Str("path", path).Int64("size", art.Size).Msg("Saved artifact")

	if s.mirror != nil {
		url, err := s.mirror.Upload(ctx, art)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Mirror upload failed, keeping local copy only")
		} else {
			art.URL = url
		}
	}
	return art, nil
}

// Sanitize turns free text into a filename fragment: at most MaxSliceRunes runes, with whitespace,
// path separators and characters reserved on common filesystems replaced by '_'.
func Sanitize(input string) string {
	runes := []rune(strings.TrimSpace(input))
	if len(runes) > MaxSliceRunes {
		runes = runes[:MaxSliceRunes]
	}
	for i, r := range runes {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			runes[i] = '_'
		}
	}
	out := strings.Trim(string(runes), "_.")
	if out == "" {
		return "artifact"
	}
	return out
}

var extensions = map[string]string{
	"image/png":   ".png",
	"image/jpeg":  ".jpg",
	"image/webp":  ".webp",
	"image/gif":   ".gif",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/wav":   ".wav",
	"audio/wave":  ".wav",
	"audio/x-wav": ".wav",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/aac":   ".aac",
	"audio/flac":  ".flac",
	"audio/pcm":   ".pcm",
	"text/plain":  ".txt",
}

// Extension picks a file extension for the media type, sniffing the payload when the type is
// unknown.
func Extension(mediaType string, payload []byte) string {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	if mt != "" {
		if m := mimetype.Lookup(mt); m != nil && m.Extension() != "" {
			return m.Extension()
		}
	}
	if ext := mimetype.Detect(payload).Extension(); ext != "" {
		return ext
	}
	return ".bin"
}
