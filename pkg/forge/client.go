// Package forge is a client for Stable Diffusion WebUI compatible
// enhancement services. It performs no retries of its own; callers decide
// based on the returned error type.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tigrisdata/fluxcoach/log"
)

const (
	defaultTimeout   = 5 * time.Minute
	maxResponseBytes = 512 << 20
	requestIDHeader  = "X-Request-ID"
)

// Options carries the enhancement settings shared by every item of a request.
type Options struct {
	Upscaler               string
	Scale                  float64
	Denoising              float64
	Prompt                 string
	NegativePrompt         string
	Steps                  int
	CFGScale               float64
	Sampler                string
	ColorizePrompt         string
	ColorizeNegativePrompt string
}

// Image is one input. Name identifies it within a batch. Width and Height
// are optional hints for img2img.
type Image struct {
	Name   string
	Data   []byte
	Width  int
	Height int
}

// BatchRequest submits several images in a single call.
type BatchRequest struct {
	ID      string
	Images  []Image
	Options Options
}

// ItemRequest submits one image.
type ItemRequest struct {
	ID      string
	Image   Image
	Options Options
}

// Result is one produced image.
type Result struct {
	Name string
	Data []byte
}

// BatchResponse carries one result per submitted image, named after it.
type BatchResponse struct {
	ID      string
	Results []Result
}

// Logger captures structured output for the client.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds every request. Zero disables the per-request bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRateLimit paces requests to rps per second with the given burst.
// A non-positive rps removes the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to one service instance. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  Logger
}

// NewClient validates baseURL and constructs a client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("forge: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("forge: url %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("forge: url %q has no host", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    http.DefaultClient,
		timeout: defaultTimeout,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = defaultLogger()
	}
	return c, nil
}

// BaseURL returns the normalized service address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EnhanceBatch upscales every image of req in one call. Results are named
// after the submitted images, in submission order.
func (c *Client) EnhanceBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	resp := BatchResponse{ID: req.ID}
	if len(req.Images) == 0 {
		return resp, nil
	}

	var out imagesResponse
	if err := c.do(ctx, http.MethodPost, endpointExtraBatch, req.ID, newExtraBatchRequest(req), &out); err != nil {
		return resp, err
	}
	if err := serviceError(endpointExtraBatch, out); err != nil {
		return resp, err
	}
	if len(out.Images) != len(req.Images) {
		return resp, &ProtocolError{
			Endpoint: endpointExtraBatch,
			Reason:   fmt.Sprintf("returned %d images for %d inputs", len(out.Images), len(req.Images)),
		}
	}

	resp.Results = make([]Result, 0, len(out.Images))
	for i, encoded := range out.Images {
		data, err := decodeImage(encoded)
		if err != nil || len(data) == 0 {
			return BatchResponse{ID: req.ID}, &ProtocolError{
				Endpoint: endpointExtraBatch,
				Reason:   fmt.Sprintf("image %d is not valid base64", i),
			}
		}
		resp.Results = append(resp.Results, Result{Name: req.Images[i].Name, Data: data})
	}
	return resp, nil
}

// Enhance runs img2img with a high resolution pass on a single image.
func (c *Client) Enhance(ctx context.Context, req ItemRequest) (Result, error) {
	return c.img2img(ctx, req.ID, req.Image.Name, newEnhanceRequest(req.Image, req.Options))
}

// Colorize runs img2img with the colorization prompts on a single image.
func (c *Client) Colorize(ctx context.Context, req ItemRequest) (Result, error) {
	return c.img2img(ctx, req.ID, req.Image.Name, newColorizeRequest(req.Image, req.Options))
}

// Upscalers lists the upscaler names the service offers. It doubles as a
// health probe.
func (c *Client) Upscalers(ctx context.Context) ([]string, error) {
	var out []upscalerInfo
	if err := c.do(ctx, http.MethodGet, endpointUpscalers, "", nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out))
	for _, u := range out {
		names = append(names, u.Name)
	}
	return names, nil
}

func (c *Client) img2img(ctx context.Context, id, name string, payload img2imgRequest) (Result, error) {
	var out imagesResponse
	if err := c.do(ctx, http.MethodPost, endpointImg2Img, id, payload, &out); err != nil {
		return Result{}, err
	}
	if err := serviceError(endpointImg2Img, out); err != nil {
		return Result{}, err
	}
	if len(out.Images) == 0 {
		return Result{}, &ProtocolError{Endpoint: endpointImg2Img, Reason: "response contains no image"}
	}
	data, err := decodeImage(out.Images[0])
	if err != nil || len(data) == 0 {
		return Result{}, &ProtocolError{Endpoint: endpointImg2Img, Reason: "image is not valid base64"}
	}
	return Result{Name: name, Data: data}, nil
}

func serviceError(endpoint string, out imagesResponse) error {
	if len(out.Error) == 0 || string(out.Error) == "null" {
		return nil
	}
	return &ProtocolError{Endpoint: endpoint, Reason: "service error: " + rawMessageText(out.Error)}
}

// do performs one paced, bounded request and decodes a JSON body into out.
// Cancellation of ctx is returned as ctx.Err(); everything else is typed.
func (c *Client) do(ctx context.Context, method, endpoint, id string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Endpoint: endpoint, Err: err}
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("forge: encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("forge: build %s request: %w", endpoint, err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, id)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debugf("forge: %s %s id=%s status=%d bytes=%d in %s",
		method, endpoint, id, resp.StatusCode, len(data), time.Since(started).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(endpoint, resp.StatusCode, errorDetail(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		var syntaxErr *json.SyntaxError
		reason := "malformed response body"
		if errors.As(err, &syntaxErr) {
			reason = fmt.Sprintf("malformed response body at offset %d", syntaxErr.Offset)
		}
		return &ProtocolError{Endpoint: endpoint, StatusCode: resp.StatusCode, Reason: reason}
	}
	return nil
}

func defaultLogger() Logger {
	return log.GetLogger("forge")
}
