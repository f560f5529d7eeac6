package mediaproviders

import (
	"context"
	"encoding/json"
	"fmt"
)

// siliconflowImages speaks SiliconFlow's images/generations API, which returns short-lived URLs.
type siliconflowImages struct{}

type siliconflowImagesRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	ImageSize         string   `json:"image_size,omitempty"`
	BatchSize         int      `json:"batch_size"`
	Seed              *int     `json:"seed,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
}

func (siliconflowImages) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	body := siliconflowImagesRequest{
		Model:          opts["model"],
		Prompt:         call.Request.Input,
		NegativePrompt: opts["negative_prompt"],
		ImageSize:      opts["size"],
		BatchSize:      1,
	}
	if seed, ok, err := optInt(opts, "seed"); err != nil {
		return nil, err
	} else if ok {
		body.Seed = &seed
	}
	if steps, ok, err := optInt(opts, "steps"); err != nil {
		return nil, err
	} else if ok {
		body.NumInferenceSteps = &steps
	}
	if g, ok, err := optFloat(opts, "guidance"); err != nil {
		return nil, err
	} else if ok {
		body.GuidanceScale = &g
	}
	return jsonRequest(call.Config.Endpoint, bearerHeader(apiKey(call)), body)
}

func (siliconflowImages) Decode(call Call, resp *WireResponse) (Output, error) {
	var result struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return Output{}, fmt.Errorf("decode images response: %w", err)
	}

	if len(result.Images) > 0 && result.Images[0].URL != "" {
		return Output{URL: result.Images[0].URL}, nil
	}
	if len(result.Data) > 0 && result.Data[0].URL != "" {
		return Output{URL: result.Data[0].URL}, nil
	}

	code, msg := extractError(resp.Body)
	return Output{}, rejected(call, code, firstNonEmpty(msg, "response contained no image URL"))
}
