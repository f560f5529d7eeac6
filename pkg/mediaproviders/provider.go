package mediaproviders

import (
	"context"
	"net/http"
	"time"

	"github.com/HKUDS/mediagen-go/pkg/artifacts"
)

// Operation is the logical task a provider performs.
type Operation string

const (
	OpImage Operation = "image"
	OpTTS   Operation = "tts"
	OpSTT   Operation = "stt"
)

// Request is one user-initiated generation task.
type Request struct {
	Operation Operation
	// Input is the prompt (image), the text (tts), or an audio path/URL (stt).
	Input string
	// Audio optionally carries inline audio for stt; it takes precedence over Input.
	Audio []byte
	// AudioName names the inline audio for multipart uploads.
	AudioName string
	Options   map[string]string
	// RemoteOnly restricts stt input to http(s) URLs. Requests relayed from chat set it so a sender
	// cannot make the process read its own files.
	RemoteOnly bool
}

// Result is the normalized outcome of a request.
//
// A failed result normally carries no payload. The exception is a persistence failure: the media
// was generated but could not be written, so Err is KindPersistenceFailure and Payload is kept for
// the caller to store elsewhere.
type Result struct {
	Provider  string
	Operation Operation
	Input     string

	Success       bool
	Payload       []byte
	MediaType     string
	URL           string
	Text          string
	RevisedPrompt string
	Err           *Error

	Artifact *artifacts.Artifact
	Attempts int
}

// Valid reports whether the result satisfies its invariant: success with a payload or URL,
// or failure with an error descriptor, never both.
func (r *Result) Valid() bool {
	if r == nil {
		return false
	}
	if r.Success {
		return r.Err == nil && (len(r.Payload) > 0 || r.URL != "")
	}
	return r.Err != nil
}

func (r *Result) fail(err *Error) *Result {
	r.Success = false
	r.Err = err
	return r
}

// Credentials holds resolved credential values by name. Values are never logged.
type Credentials map[string]string

func (c Credentials) Get(name string) string { return c[name] }

// Call is everything an adapter needs to shape one wire request.
type Call struct {
	Config      ProviderConfig
	Request     Request
	Credentials Credentials
	// Token is the cached session token for TokenAdapter providers.
	Token string
}

// WireRequest is a provider-shaped HTTP request.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// WireResponse is a fully-read HTTP response.
type WireResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Output is what an adapter extracts from a successful response before normalization.
type Output struct {
	Payload       []byte
	Base64        string
	URL           string
	Text          string
	RevisedPrompt string
	MediaType     string
	// PollURL is set by async providers; the normalizer polls it through the Poller interface.
	PollURL string
}

// Adapter translates between the uniform request/result contract and one provider's wire format.
type Adapter interface {
	Encode(ctx context.Context, call Call) (*WireRequest, error)
	// Decode interprets a 2xx response. Provider-embedded error markers are returned as *Error.
	Decode(call Call, resp *WireResponse) (Output, error)
}

// TokenAdapter is implemented by providers that need a short-lived session token.
type TokenAdapter interface {
	Adapter
	TokenRequest(call Call) (*WireRequest, error)
	DecodeToken(resp *WireResponse) (token string, ttl time.Duration, err error)
}

// StaleTokenDetector is implemented by token adapters whose provider reports an invalid or expired
// session token inside a response. The cached token is dropped so the next call fetches a new one.
type StaleTokenDetector interface {
	StaleToken(code string) bool
}

// URLAudio is implemented by stt adapters whose provider fetches the audio itself. The client
// passes the input URL through instead of reading the audio.
type URLAudio interface {
	AudioByURL() bool
}

// TranscriptDecoder is implemented by stt adapters whose result is a document at a URL rather than
// the transcript itself. The normalizer downloads the document and hands it to DecodeTranscript.
type TranscriptDecoder interface {
	DecodeTranscript(call Call, body []byte) (string, error)
}

// Poller is implemented by providers that answer with an async task to poll.
type Poller interface {
	PollRequest(call Call, pollURL string) (*WireRequest, error)
	// DecodePoll returns done=false while the task is still running.
	DecodePoll(call Call, resp *WireResponse) (out Output, done bool, err error)
}
