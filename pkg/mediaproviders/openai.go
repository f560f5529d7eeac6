package mediaproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
)

// openAIImages speaks the OpenAI images/generations API.
type openAIImages struct{}

var dalleStyles = map[string]string{
	"natural":     "natural",
	"vivid":       "vivid",
	"digital-art": "vivid",
	"photo":       "natural",
}

type openAIImagesRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type openAIImagesResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (openAIImages) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	body := openAIImagesRequest{
		Model:   opts["model"],
		Prompt:  call.Request.Input,
		N:       1,
		Size:    opts["size"],
		Quality: opts["quality"],
	}
	if style, ok := opts["style"]; ok {
		body.Style = dalleStyles[style]
		if body.Style == "" {
			body.Style = "natural"
		}
	}
	return jsonRequest(call.Config.Endpoint, bearerHeader(apiKey(call)), body)
}

func (openAIImages) Decode(call Call, resp *WireResponse) (Output, error) {
	var out openAIImagesResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Output{}, fmt.Errorf("decode images response: %w", err)
	}
	for _, d := range out.Data {
		if d.B64JSON == "" && d.URL == "" {
			continue
		}
		return Output{Base64: d.B64JSON, URL: d.URL, RevisedPrompt: d.RevisedPrompt}, nil
	}
	code, msg := extractError(resp.Body)
	return Output{}, rejected(call, code, firstNonEmpty(msg, "response contained no image"))
}

// openAISpeech speaks the OpenAI-compatible audio/speech API, which answers with raw audio bytes.
type openAISpeech struct{}

type speechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
}

func (openAISpeech) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	body := speechRequest{
		Model:          opts["model"],
		Input:          call.Request.Input,
		Voice:          opts["voice"],
		ResponseFormat: opts["format"],
	}
	speed, ok, err := optFloat(opts, "speed")
	if err != nil {
		return nil, err
	}
	if ok {
		body.Speed = &speed
	}
	req, err := jsonRequest(call.Config.Endpoint, bearerHeader(apiKey(call)), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/*, application/json")
	return req, nil
}

func (openAISpeech) Decode(call Call, resp *WireResponse) (Output, error) {
	if isJSONResponse(resp) {
		code, msg := extractError(resp.Body)
		return Output{}, rejected(call, code, firstNonEmpty(msg, "expected audio, got JSON"))
	}
	return Output{Payload: resp.Body, MediaType: audioMediaType(call.Request.Options["format"])}, nil
}

// transcriber speaks the OpenAI-compatible audio/transcriptions API (Whisper, SenseVoice).
type transcriber struct{}

func (transcriber) Encode(_ context.Context, call Call) (*WireRequest, error) {
	if len(call.Request.Audio) == 0 {
		return nil, fmt.Errorf("no audio to transcribe")
	}
	name := call.Request.AudioName
	if name == "" {
		name = filepath.Base(call.Request.Input)
	}
	if name == "" || name == "." || name == "/" {
		name = "audio.wav"
	}
	opts := call.Request.Options
	fields := map[string]string{
		"model":    opts["model"],
		"language": opts["language"],
		"prompt":   opts["prompt"],
	}
	return multipartRequest(call.Config.Endpoint, bearerHeader(apiKey(call)), fields,
		&formFile{field: "file", name: name, data: call.Request.Audio})
}

func (transcriber) Decode(call Call, resp *WireResponse) (Output, error) {
	if !isJSONResponse(resp) {
		return Output{Text: string(resp.Body)}, nil
	}
	var out struct {
		Text    string          `json:"text"`
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Output{}, fmt.Errorf("decode transcription: %w", err)
	}
	if out.Text == "" && len(out.Code) > 0 && string(out.Code) != "0" && string(out.Code) != "null" {
		code, msg := extractError(resp.Body)
		return Output{}, rejected(call, code, msg)
	}
	return Output{Text: out.Text}, nil
}

func audioMediaType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/pcm"
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
