package mediaproviders

import (
	"context"
	"fmt"
	"strings"
)

// stabilityImages speaks Stability AI's stable-image/generate form API. With Accept: image/* the
// image bytes come back directly.
type stabilityImages struct{}

var stabilityPresets = map[string]string{
	"natural":     "photographic",
	"photo":       "photographic",
	"vivid":       "enhance",
	"digital-art": "digital-art",
	"anime":       "anime",
	"3d":          "3d-model",
	"cinematic":   "cinematic",
	"comic":       "comic-book",
	"fantasy":     "fantasy-art",
	"pixel":       "pixel-art",
}

var stabilityRatios = map[string]bool{
	"16:9": true, "1:1": true, "21:9": true, "2:3": true, "3:2": true,
	"4:5": true, "5:4": true, "9:16": true, "9:21": true,
}

func (stabilityImages) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	fields := map[string]string{
		"prompt":          call.Request.Input,
		"output_format":   opts["format"],
		"negative_prompt": opts["negative_prompt"],
		"seed":            opts["seed"],
		"model":           opts["model"],
	}
	if style := opts["style"]; style != "" {
		if preset, ok := stabilityPresets[style]; ok {
			fields["style_preset"] = preset
		} else {
			fields["style_preset"] = style
		}
	}
	if size := opts["size"]; size != "" {
		w, h, err := parseSize(size)
		if err != nil {
			return nil, err
		}
		ratio := aspectRatio(w, h)
		if !stabilityRatios[ratio] {
			return nil, fmt.Errorf("size %s has unsupported aspect ratio %s", size, ratio)
		}
		fields["aspect_ratio"] = ratio
	}

	header := bearerHeader(apiKey(call))
	header.Set("Accept", "image/*")
	return multipartRequest(call.Config.Endpoint, header, fields, nil)
}

func (stabilityImages) Decode(call Call, resp *WireResponse) (Output, error) {
	if isJSONResponse(resp) {
		code, msg := extractError(resp.Body)
		return Output{}, rejected(call, code, firstNonEmpty(msg, "expected image, got JSON"))
	}
	if reason := resp.Header.Get("Finish-Reason"); strings.EqualFold(reason, "CONTENT_FILTERED") {
		return Output{}, rejected(call, reason, "image was blocked by the content filter")
	}
	return Output{Payload: resp.Body, MediaType: mediaTypeOf(resp.Header)}, nil
}

func aspectRatio(w, h int) string {
	a, b := w, h
	for b != 0 {
		a, b = b, a%b
	}
	return fmt.Sprintf("%d:%d", w/a, h/a)
}
