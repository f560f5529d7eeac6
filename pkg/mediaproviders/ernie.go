package mediaproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ernieImages speaks Baidu Qianfan's text2image API. Calls carry an access_token obtained with the
// client-credentials grant.
type ernieImages struct{}

func (ernieImages) TokenRequest(call Call) (*WireRequest, error) {
	u, err := url.Parse(call.Config.TokenEndpoint)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	q := u.Query()
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", call.Credentials.Get(CredBaiduKey))
	q.Set("client_secret", call.Credentials.Get(CredBaiduSecret))
	u.RawQuery = q.Encode()

	h := make(http.Header)
	h.Set("Accept", "application/json")
	return &WireRequest{Method: http.MethodPost, URL: u.String(), Header: h}, nil
}

func (ernieImages) DecodeToken(resp *WireResponse) (string, time.Duration, error) {
	var out struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", 0, err
	}
	if out.Error != "" {
		return "", 0, fmt.Errorf("%s: %s", out.Error, out.ErrorDescription)
	}
	if out.AccessToken == "" {
		return "", 0, fmt.Errorf("response carried no access_token")
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

type ernieRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Size           string `json:"size,omitempty"`
	Steps          int    `json:"steps,omitempty"`
	Style          string `json:"style,omitempty"`
	N              int    `json:"n"`
}

func (ernieImages) Encode(_ context.Context, call Call) (*WireRequest, error) {
	opts := call.Request.Options
	body := ernieRequest{
		Prompt:         call.Request.Input,
		NegativePrompt: opts["negative_prompt"],
		Style:          opts["style"],
		N:              1,
	}
	if size := opts["size"]; size != "" {
		w, h, err := parseSize(size)
		if err != nil {
			return nil, err
		}
		body.Size = fmt.Sprintf("%dx%d", w, h)
	}
	if steps, ok, err := optInt(opts, "steps"); err != nil {
		return nil, err
	} else if ok {
		body.Steps = steps
	}

	u, err := url.Parse(call.Config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	q := u.Query()
	q.Set("access_token", call.Token)
	u.RawQuery = q.Encode()
	return jsonRequest(u.String(), nil, body)
}

func (ernieImages) Decode(call Call, resp *WireResponse) (Output, error) {
	var out struct {
		ErrorCode json.Number     `json:"error_code"`
		ErrorMsg  string          `json:"error_msg"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Output{}, fmt.Errorf("decode image response: %w", err)
	}
	if out.ErrorCode != "" && out.ErrorCode != "0" {
		return Output{}, rejected(call, out.ErrorCode.String(), out.ErrorMsg)
	}

	type image struct {
		B64Image string `json:"b64_image"`
		ImgURL   string `json:"img_url"`
	}
	var images []image
	if err := json.Unmarshal(out.Data, &images); err != nil {
		// Older deployments nest the list: {"data": {"data": [...]}}.
		var nested struct {
			Data []image `json:"data"`
		}
		if err := json.Unmarshal(out.Data, &nested); err != nil {
			return Output{}, rejected(call, "", "response contained no image data")
		}
		images = nested.Data
	}
	for _, img := range images {
		if img.B64Image != "" || img.ImgURL != "" {
			return Output{Base64: img.B64Image, URL: img.ImgURL}, nil
		}
	}
	return Output{}, rejected(call, "", "response contained no image data")
}

// StaleToken reports Baidu's invalid (110) and expired (111) access token codes.
func (ernieImages) StaleToken(code string) bool {
	return code == "110" || code == "111"
}

var (
	_ TokenAdapter       = ernieImages{}
	_ StaleTokenDetector = ernieImages{}
)
