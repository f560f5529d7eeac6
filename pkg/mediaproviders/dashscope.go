package mediaproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// dashscopeImages speaks DashScope's async text2image API (Tongyi Wanxiang). Submitting returns a
// task id that is polled at /api/v1/tasks/{id}.
type dashscopeImages struct{}

type dashscopeImageRequest struct {
	Model string `json:"model"`
	Input struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt,omitempty"`
	} `json:"input"`
	Parameters struct {
		Style string `json:"style,omitempty"`
		Size  string `json:"size,omitempty"`
		N     int    `json:"n"`
		Seed  *int   `json:"seed,omitempty"`
	} `json:"parameters"`
}

type dashscopeTask struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			URL              string `json:"url"`
			TranscriptionURL string `json:"transcription_url"`
			SubtaskStatus    string `json:"subtask_status"`
			Code             string `json:"code"`
			Message          string `json:"message"`
		} `json:"results"`
	} `json:"output"`
}

func (dashscopeImages) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	var body dashscopeImageRequest
	body.Model = opts["model"]
	body.Input.Prompt = call.Request.Input
	body.Input.NegativePrompt = opts["negative_prompt"]
	body.Parameters.Style = opts["style"]
	body.Parameters.N = 1
	if size := opts["size"]; size != "" {
		w, h, err := parseSize(size)
		if err != nil {
			return nil, err
		}
		body.Parameters.Size = fmt.Sprintf("%d*%d", w, h)
	}
	if seed, ok, err := optInt(opts, "seed"); err != nil {
		return nil, err
	} else if ok {
		body.Parameters.Seed = &seed
	}

	header := bearerHeader(apiKey(call))
	header.Set("X-DashScope-Async", "enable")
	return jsonRequest(call.Config.Endpoint, header, body)
}

func (dashscopeImages) Decode(call Call, resp *WireResponse) (Output, error) {
	var task dashscopeTask
	if err := json.Unmarshal(resp.Body, &task); err != nil {
		return Output{}, fmt.Errorf("decode task response: %w", err)
	}
	if task.Code != "" {
		return Output{}, rejected(call, task.Code, task.Message)
	}
	if out, done, err := taskResult(call, task); done || err != nil {
		return out, err
	}
	if task.Output.TaskID == "" {
		return Output{}, rejected(call, "", "response carried neither a task id nor a result")
	}
	base, err := origin(call.Config.Endpoint)
	if err != nil {
		return Output{}, err
	}
	return Output{PollURL: base + "/api/v1/tasks/" + task.Output.TaskID}, nil
}

func (dashscopeImages) PollRequest(call Call, pollURL string) (*WireRequest, error) {
	return &WireRequest{Method: http.MethodGet, URL: pollURL, Header: bearerHeader(apiKey(call))}, nil
}

func (dashscopeImages) DecodePoll(call Call, resp *WireResponse) (Output, bool, error) {
	var task dashscopeTask
	if err := json.Unmarshal(resp.Body, &task); err != nil {
		return Output{}, false, fmt.Errorf("decode task status: %w", err)
	}
	if task.Code != "" {
		return Output{}, false, rejected(call, task.Code, task.Message)
	}
	return taskResult(call, task)
}

// taskResult reports done=true once the task reached a terminal state.
func taskResult(call Call, task dashscopeTask) (Output, bool, error) {
	switch strings.ToUpper(task.Output.TaskStatus) {
	case "SUCCEEDED":
		for _, r := range task.Output.Results {
			if r.URL != "" {
				return Output{URL: r.URL}, true, nil
			}
		}
		msg := "task succeeded without a result URL"
		code := ""
		if len(task.Output.Results) > 0 {
			code, msg = task.Output.Results[0].Code, firstNonEmpty(task.Output.Results[0].Message, msg)
		}
		return Output{}, true, rejected(call, code, msg)
	case "FAILED", "CANCELED", "UNKNOWN":
		return Output{}, true, rejected(call, firstNonEmpty(task.Output.Code, task.Output.TaskStatus), task.Output.Message)
	case "":
		// Synchronous deployments answer with results and no status.
		for _, r := range task.Output.Results {
			if r.URL != "" {
				return Output{URL: r.URL}, true, nil
			}
		}
	}
	return Output{}, false, nil
}

// dashscopeSpeech speaks DashScope's multimodal-generation API for Qwen TTS.
type dashscopeSpeech struct{}

func (dashscopeSpeech) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	body := map[string]any{
		"model": opts["model"],
		"input": map[string]string{
			"text":  call.Request.Input,
			"voice": opts["voice"],
		},
	}
	return jsonRequest(call.Config.Endpoint, bearerHeader(apiKey(call)), body)
}

func (dashscopeSpeech) Decode(call Call, resp *WireResponse) (Output, error) {
	var out struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Output  struct {
			Audio struct {
				URL  string `json:"url"`
				Data string `json:"data"`
			} `json:"audio"`
		} `json:"output"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Output{}, fmt.Errorf("decode speech response: %w", err)
	}
	if out.Code != "" {
		return Output{}, rejected(call, out.Code, out.Message)
	}
	if out.Output.Audio.Data == "" && out.Output.Audio.URL == "" {
		return Output{}, rejected(call, "", "response contained no audio")
	}
	return Output{Base64: out.Output.Audio.Data, URL: out.Output.Audio.URL}, nil
}

// dashscopeTranscriber speaks DashScope's async file transcription API (SenseVoice, Paraformer).
// The service downloads the audio itself, so the input must be a URL. A finished task points at a
// JSON transcription document.
type dashscopeTranscriber struct{}

func (dashscopeTranscriber) AudioByURL() bool { return true }

func (dashscopeTranscriber) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	lang := opts["language"]
	if lang == "" {
		lang = "auto"
	}
	body := map[string]any{
		"model":      opts["model"],
		"input":      map[string]any{"file_urls": []string{call.Request.Input}},
		"parameters": map[string]any{"language_hints": []string{lang}},
	}
	header := bearerHeader(apiKey(call))
	header.Set("X-DashScope-Async", "enable")
	return jsonRequest(call.Config.Endpoint, header, body)
}

func (dashscopeTranscriber) Decode(call Call, resp *WireResponse) (Output, error) {
	var task dashscopeTask
	if err := json.Unmarshal(resp.Body, &task); err != nil {
		return Output{}, fmt.Errorf("decode task response: %w", err)
	}
	if task.Code != "" {
		return Output{}, rejected(call, task.Code, task.Message)
	}
	if task.Output.TaskID == "" {
		return Output{}, rejected(call, "", "response carried no task id")
	}
	base, err := origin(call.Config.Endpoint)
	if err != nil {
		return Output{}, err
	}
	return Output{PollURL: base + "/api/v1/tasks/" + task.Output.TaskID}, nil
}

func (dashscopeTranscriber) PollRequest(call Call, pollURL string) (*WireRequest, error) {
	return &WireRequest{Method: http.MethodGet, URL: pollURL, Header: bearerHeader(apiKey(call))}, nil
}

func (dashscopeTranscriber) DecodePoll(call Call, resp *WireResponse) (Output, bool, error) {
	var task dashscopeTask
	if err := json.Unmarshal(resp.Body, &task); err != nil {
		return Output{}, false, fmt.Errorf("decode task status: %w", err)
	}
	if task.Code != "" {
		return Output{}, false, rejected(call, task.Code, task.Message)
	}
	switch strings.ToUpper(task.Output.TaskStatus) {
	case "SUCCEEDED":
		for _, r := range task.Output.Results {
			if strings.ToUpper(r.SubtaskStatus) == "FAILED" {
				return Output{}, true, rejected(call, r.Code, r.Message)
			}
			if r.TranscriptionURL != "" {
				return Output{URL: r.TranscriptionURL}, true, nil
			}
		}
		return Output{}, true, rejected(call, "", "task succeeded without a transcription")
	case "FAILED", "CANCELED", "UNKNOWN":
		return Output{}, true, rejected(call, firstNonEmpty(task.Output.Code, task.Output.TaskStatus), task.Output.Message)
	}
	return Output{}, false, nil
}

// sensevoiceTags matches SenseVoice's inline event and emotion markers such as <|Speech|>.
var sensevoiceTags = regexp.MustCompile(`<\|[^|]*\|>`)

func (dashscopeTranscriber) DecodeTranscript(_ Call, body []byte) (string, error) {
	var doc struct {
		Transcripts []struct {
			Text string `json:"text"`
		} `json:"transcripts"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	parts := make([]string, 0, len(doc.Transcripts))
	for _, t := range doc.Transcripts {
		text := strings.Join(strings.Fields(sensevoiceTags.ReplaceAllString(t.Text, " ")), " ")
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

var (
	_ Poller            = dashscopeImages{}
	_ Poller            = dashscopeTranscriber{}
	_ URLAudio          = dashscopeTranscriber{}
	_ TranscriptDecoder = dashscopeTranscriber{}
)
