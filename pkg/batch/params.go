package batch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tigrisdata/fluxcoach/pkg/cache"
	"github.com/tigrisdata/fluxcoach/pkg/forge"
	"github.com/tigrisdata/fluxcoach/pkg/imaging"
)

// Defaults used when no configuration overrides them.
const (
	DefaultAPIURL                 = "http://127.0.0.1:7860"
	DefaultUpscaler               = "R-ESRGAN 4x+ Anime6B"
	DefaultScale                  = 2
	DefaultDenoising              = 0.5
	DefaultPrompt                 = "high quality, high resolution, detailed"
	DefaultNegativePrompt         = "blurry, lowres, low quality, artifacts, jpeg artifacts"
	DefaultSteps                  = 20
	DefaultCFGScale               = 7
	DefaultSampler                = "DPM++ 2M"
	DefaultOutputFormat           = "PNG"
	DefaultColorizePrompt         = "high quality, high resolution, detailed, colorized, vibrant colors"
	DefaultColorizeNegativePrompt = "black and white, grayscale, blurry, lowres, low quality"
)

// Params are the enhancement settings shared by every item of a run.
type Params struct {
	APIURL                 string  `yaml:"-" validate:"required,url"`
	Upscaler               string  `yaml:"upscaler" validate:"required"`
	Scale                  float64 `yaml:"scale" validate:"gte=1,lte=4"`
	Denoising              float64 `yaml:"denoising_strength" validate:"gte=0,lte=1"`
	Prompt                 string  `yaml:"prompt"`
	NegativePrompt         string  `yaml:"negative_prompt"`
	Steps                  int     `yaml:"steps" validate:"gte=1,lte=150"`
	CFGScale               float64 `yaml:"cfg_scale" validate:"gte=1,lte=30"`
	Sampler                string  `yaml:"sampler" validate:"required"`
	OutputFormat           string  `yaml:"output_format" validate:"oneof=PNG JPEG WEBP"`
	AutoColorize           bool    `yaml:"auto_colorize"`
	ColorizePrompt         string  `yaml:"colorize_prompt"`
	ColorizeNegativePrompt string  `yaml:"colorize_negative_prompt"`
}

// DefaultParams returns the stock settings.
func DefaultParams() Params {
	return Params{
		APIURL:                 DefaultAPIURL,
		Upscaler:               DefaultUpscaler,
		Scale:                  DefaultScale,
		Denoising:              DefaultDenoising,
		Prompt:                 DefaultPrompt,
		NegativePrompt:         DefaultNegativePrompt,
		Steps:                  DefaultSteps,
		CFGScale:               DefaultCFGScale,
		Sampler:                DefaultSampler,
		OutputFormat:           DefaultOutputFormat,
		AutoColorize:           true,
		ColorizePrompt:         DefaultColorizePrompt,
		ColorizeNegativePrompt: DefaultColorizeNegativePrompt,
	}
}

// InvalidParamsError lists every rejected field.
type InvalidParamsError struct {
	Issues []string
}

func (e *InvalidParamsError) Error() string {
	return "invalid enhancement parameters: " + strings.Join(e.Issues, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Normalize upper-cases the output format so JPG, jpeg and JPEG agree.
func (p Params) Normalize() Params {
	format := strings.ToUpper(strings.TrimSpace(p.OutputFormat))
	if format == "JPG" {
		format = "JPEG"
	}
	p.OutputFormat = format
	p.APIURL = strings.TrimRight(strings.TrimSpace(p.APIURL), "/")
	return p
}

// Validate checks ranges and required fields.
func (p Params) Validate() error {
	err := paramsValidator().Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	issues := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, describe(fe))
	}
	return &InvalidParamsError{Issues: issues}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fmt.Sprintf("%s %q is not a valid URL", fe.Field(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be <= %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s, got %v", fe.Field(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// Format returns the requested output container.
func (p Params) Format() imaging.Format {
	f, err := imaging.ParseFormat(p.OutputFormat)
	if err != nil {
		return imaging.FormatPNG
	}
	return f
}

// ItemParameters is the only producer of cache parameters: the shared
// settings plus the per-item colorize decision. Colorization prompts only
// take part when they influence the output.
func (p Params) ItemParameters(colorize bool) cache.Parameters {
	params := cache.Parameters{
		"api_url":            p.APIURL,
		"upscaler":           p.Upscaler,
		"scale":              p.Scale,
		"denoising_strength": p.Denoising,
		"prompt":             p.Prompt,
		"negative_prompt":    p.NegativePrompt,
		"steps":              p.Steps,
		"cfg_scale":          p.CFGScale,
		"sampler":            p.Sampler,
		"output_format":      p.OutputFormat,
		"colorize":           colorize,
	}
	if colorize {
		params["colorize_prompt"] = p.ColorizePrompt
		params["colorize_negative_prompt"] = p.ColorizeNegativePrompt
	}
	return params
}

func (p Params) forgeOptions() forge.Options {
	return forge.Options{
		Upscaler:               p.Upscaler,
		Scale:                  p.Scale,
		Denoising:              p.Denoising,
		Prompt:                 p.Prompt,
		NegativePrompt:         p.NegativePrompt,
		Steps:                  p.Steps,
		CFGScale:               p.CFGScale,
		Sampler:                p.Sampler,
		ColorizePrompt:         p.ColorizePrompt,
		ColorizeNegativePrompt: p.ColorizeNegativePrompt,
	}
}
