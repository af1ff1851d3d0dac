package forge

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const (
	endpointExtraBatch = "/sdapi/v1/extra-batch-images"
	endpointImg2Img    = "/sdapi/v1/img2img"
	endpointUpscalers  = "/sdapi/v1/upscalers"

	// Target box for extras upscaling; the scale factor is applied on top.
	upscaleBoxSize = 1024

	colorizeDenoising = 0.7
	defaultScheduler  = "Automatic"
)

type namedImage struct {
	Data string `json:"data"`
	Name string `json:"name"`
}

type extraBatchRequest struct {
	ResizeMode                int          `json:"resize_mode"`
	ShowExtrasResults         bool         `json:"show_extras_results"`
	GFPGANVisibility          float64      `json:"gfpgan_visibility"`
	CodeformerVisibility      float64      `json:"codeformer_visibility"`
	CodeformerWeight          float64      `json:"codeformer_weight"`
	UpscalingResize           float64      `json:"upscaling_resize"`
	UpscalingResizeW          int          `json:"upscaling_resize_w"`
	UpscalingResizeH          int          `json:"upscaling_resize_h"`
	UpscalingCrop             bool         `json:"upscaling_crop"`
	Upscaler1                 string       `json:"upscaler_1"`
	Upscaler2                 string       `json:"upscaler_2"`
	ExtrasUpscaler2Visibility float64      `json:"extras_upscaler_2_visibility"`
	UpscaleFirst              bool         `json:"upscale_first"`
	ImageList                 []namedImage `json:"imageList"`
}

type img2imgRequest struct {
	InitImages        []string `json:"init_images"`
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt"`
	Steps             int      `json:"steps"`
	CFGScale          float64  `json:"cfg_scale"`
	SamplerName       string   `json:"sampler_name"`
	Scheduler         string   `json:"scheduler,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength"`
	Width             int      `json:"width,omitempty"`
	Height            int      `json:"height,omitempty"`
	EnableHR          bool     `json:"enable_hr,omitempty"`
	HRScale           float64  `json:"hr_scale,omitempty"`
	HRUpscaler        string   `json:"hr_upscaler,omitempty"`
	HRSecondPassSteps int      `json:"hr_second_pass_steps,omitempty"`
	ResizeMode        int      `json:"resize_mode"`
	RestoreFaces      bool     `json:"restore_faces"`
	Tiling            bool     `json:"tiling"`
}

type imagesResponse struct {
	Images []string        `json:"images"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type upscalerInfo struct {
	Name string `json:"name"`
}

func newExtraBatchRequest(req BatchRequest) extraBatchRequest {
	list := make([]namedImage, 0, len(req.Images))
	for _, img := range req.Images {
		list = append(list, namedImage{Data: encodeImage(img.Data), Name: img.Name})
	}
	return extraBatchRequest{
		UpscalingResize:  req.Options.Scale,
		UpscalingResizeW: upscaleBoxSize,
		UpscalingResizeH: upscaleBoxSize,
		Upscaler1:        req.Options.Upscaler,
		Upscaler2:        "None",
		ImageList:        list,
	}
}

func newEnhanceRequest(img Image, opts Options) img2imgRequest {
	return img2imgRequest{
		InitImages:        []string{encodeImage(img.Data)},
		Prompt:            opts.Prompt,
		NegativePrompt:    opts.NegativePrompt,
		Steps:             opts.Steps,
		CFGScale:          opts.CFGScale,
		SamplerName:       opts.Sampler,
		Scheduler:         defaultScheduler,
		DenoisingStrength: opts.Denoising,
		Width:             img.Width,
		Height:            img.Height,
		EnableHR:          true,
		HRScale:           opts.Scale,
		HRUpscaler:        opts.Upscaler,
		HRSecondPassSteps: opts.Steps * 7 / 10,
	}
}

func newColorizeRequest(img Image, opts Options) img2imgRequest {
	return img2imgRequest{
		InitImages:        []string{encodeImage(img.Data)},
		Prompt:            opts.ColorizePrompt,
		NegativePrompt:    opts.ColorizeNegativePrompt,
		Steps:             opts.Steps,
		CFGScale:          opts.CFGScale,
		SamplerName:       opts.Sampler,
		DenoisingStrength: colorizeDenoising,
		Width:             img.Width,
		Height:            img.Height,
		RestoreFaces:      true,
	}
}

func encodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// errorDetail extracts a human readable message from an error body.
func errorDetail(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, name := range []string{"error", "detail", "message", "errors"} {
			if raw, ok := fields[name]; ok {
				return rawMessageText(raw)
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 500 {
		text = text[:500] + "..."
	}
	return text
}

func rawMessageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
