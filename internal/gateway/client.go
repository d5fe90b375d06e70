// Package gateway is the client for the generative-content API together with
// the resilience layer around it: error classification, retry with backoff and
// validation of soft failures.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/adcraft/internal/config"
	"github.com/digkill/adcraft/internal/models"
)

// Observer receives retry and failure signals, typically for metrics.
type Observer interface {
	CallRetried(op string, reason Reason)
	CallFailed(op string, class Class)
}

type noopObserver struct{}

func (noopObserver) CallRetried(string, Reason) {}
func (noopObserver) CallFailed(string, Class)   {}

type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	log          *slog.Logger
	observer     Observer
	policy       Policy
	longPolicy   Policy
	pollInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithPolicies overrides the retry policies for regular and long-running calls.
func WithPolicies(regular, longRunning Policy) Option {
	return func(c *Client) {
		c.policy = regular
		c.longPolicy = longRunning
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

type TextRequest struct {
	Prompt      string          `json:"prompt"`
	System      string          `json:"system,omitempty"`
	BrandVoice  string          `json:"brand_voice,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type ImageRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Style       string `json:"style,omitempty"`
}

type VideoRequest struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
}

// Operation is the status of a long-running video job.
type Operation struct {
	ID       string
	Done     bool
	Artifact *models.Artifact
}

func NewClient(cfg config.Config, log *slog.Logger, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	policy := DefaultPolicy()
	policy.MaxRetries = cfg.GatewayMaxRetries
	if cfg.GatewayRetryBase > 0 {
		policy.InitialInterval = cfg.GatewayRetryBase
	}
	longPolicy := LongRunningPolicy()
	longPolicy.MaxRetries = cfg.VideoMaxRetries
	if cfg.VideoRetryBase > 0 {
		longPolicy.InitialInterval = cfg.VideoRetryBase
	}

	c := &Client{
		apiKey:       cfg.GatewayAPIKey,
		baseURL:      strings.TrimRight(cfg.GatewayBaseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
		observer:     noopObserver{},
		policy:       policy,
		longPolicy:   longPolicy,
		pollInterval: cfg.VideoPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 10 * time.Second
	}
	return c
}

type textResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	BlockReason  string `json:"block_reason"`
}

// GenerateText produces a single text artifact.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (*models.Artifact, error) {
	return call(ctx, c, "text", c.policy, func(ctx context.Context) (*models.Artifact, error) {
		return c.generateText(ctx, req, models.AssetText)
	})
}

// GenerateStructured produces a JSON document conforming to req.Schema.
func (c *Client) GenerateStructured(ctx context.Context, req TextRequest) (*models.Artifact, error) {
	if len(req.Schema) == 0 {
		return nil, newError(ReasonInvalidArgument, 0, "structured generation needs a schema")
	}
	return call(ctx, c, "structured", c.policy, func(ctx context.Context) (*models.Artifact, error) {
		art, err := c.generateText(ctx, req, models.AssetStructured)
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(art.Text)) {
			return nil, newError(ReasonMalformed, 0, "structured output is not valid JSON")
		}
		art.MIME = "application/json"
		return art, nil
	})
}

func (c *Client) generateText(ctx context.Context, req TextRequest, kind models.AssetType) (*models.Artifact, error) {
	var resp textResponse
	if err := c.postJSON(ctx, "/v1/generate/text", req, &resp); err != nil {
		return nil, err
	}
	art := &models.Artifact{Kind: kind, Text: resp.Text, FinishReason: resp.FinishReason}
	if err := Validate(Verdict{BlockReason: resp.BlockReason, FinishReason: resp.FinishReason}, art); err != nil {
		return nil, err
	}
	return art, nil
}

type imageResponse struct {
	Images []struct {
		MIMEType string `json:"mime_type"`
		Data     string `json:"data"`
		URL      string `json:"url"`
	} `json:"images"`
	FinishReason string `json:"finish_reason"`
	BlockReason  string `json:"block_reason"`
}

// GenerateImage produces one image, either inline bytes or a hosted URL.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*models.Artifact, error) {
	return call(ctx, c, "image", c.policy, func(ctx context.Context) (*models.Artifact, error) {
		var resp imageResponse
		if err := c.postJSON(ctx, "/v1/generate/image", req, &resp); err != nil {
			return nil, err
		}
		art := &models.Artifact{Kind: models.AssetImage, FinishReason: resp.FinishReason}
		if len(resp.Images) > 0 {
			img := resp.Images[0]
			art.MIME = img.MIMEType
			art.URL = img.URL
			if img.Data != "" {
				raw, err := base64.StdEncoding.DecodeString(img.Data)
				if err != nil {
					return nil, &Error{Reason: ReasonMalformed, Message: "image data is not base64", Err: err}
				}
				art.Bytes = raw
			}
		}
		if err := Validate(Verdict{BlockReason: resp.BlockReason, FinishReason: resp.FinishReason}, art); err != nil {
			return nil, err
		}
		return art, nil
	})
}

// StartVideo starts a long-running video job and returns its operation id.
func (c *Client) StartVideo(ctx context.Context, req VideoRequest) (string, error) {
	return call(ctx, c, "video_start", c.longPolicy, func(ctx context.Context) (string, error) {
		var resp struct {
			Name string `json:"name"`
		}
		if err := c.postJSON(ctx, "/v1/operations/video", req, &resp); err != nil {
			return "", err
		}
		if resp.Name == "" {
			return "", newError(ReasonMalformed, 0, "empty operation name in response")
		}
		return resp.Name, nil
	})
}

type operationResponse struct {
	Name  string     `json:"name"`
	Done  bool       `json:"done"`
	Error *apiStatus `json:"error"`

	Response struct {
		Video struct {
			URI      string `json:"uri"`
			MIMEType string `json:"mime_type"`
		} `json:"video"`
		FinishReason string `json:"finish_reason"`
		BlockReason  string `json:"block_reason"`
	} `json:"response"`
}

// VideoStatus checks a video operation once.
func (c *Client) VideoStatus(ctx context.Context, id string) (Operation, error) {
	return call(ctx, c, "video_status", c.longPolicy, func(ctx context.Context) (Operation, error) {
		var resp operationResponse
		if err := c.getJSON(ctx, "/v1/operations/"+url.PathEscape(id), &resp); err != nil {
			return Operation{}, err
		}
		op := Operation{ID: id, Done: resp.Done}
		if !resp.Done {
			return op, nil
		}
		if resp.Error != nil {
			// The job itself failed; asking again will not change that.
			return op, &Error{Reason: ReasonOperationFailed, Status: resp.Error.Code, Message: resp.Error.Message}
		}
		art := &models.Artifact{
			Kind:         models.AssetVideo,
			URL:          resp.Response.Video.URI,
			MIME:         resp.Response.Video.MIMEType,
			FinishReason: resp.Response.FinishReason,
		}
		if art.MIME == "" {
			art.MIME = "video/mp4"
		}
		if err := Validate(Verdict{BlockReason: resp.Response.BlockReason, FinishReason: resp.Response.FinishReason}, art); err != nil {
			return op, err
		}
		op.Artifact = art
		return op, nil
	})
}

// GenerateVideo starts a video job and waits for it to finish.
func (c *Client) GenerateVideo(ctx context.Context, req VideoRequest) (*models.Artifact, error) {
	id, err := c.StartVideo(ctx, req)
	if err != nil {
		return nil, err
	}
	c.log.Info("video operation started", "operation", id)
	return Await(ctx, c, id, c.pollInterval)
}

// Poller reports the state of a long-running operation.
type Poller interface {
	VideoStatus(ctx context.Context, id string) (Operation, error)
}

// Await re-issues status checks every interval until the operation is done.
func Await(ctx context.Context, p Poller, id string, interval time.Duration) (*models.Artifact, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := p.VideoStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Done {
			if op.Artifact == nil {
				return nil, newError(ReasonEmpty, 0, "operation finished without a result")
			}
			return op.Artifact, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// call wraps op in the retry policy and reports retries and final failures.
func call[T any](ctx context.Context, c *Client, op string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p.Notify = func(err error, wait time.Duration) {
		reason, _ := ReasonOf(err)
		c.observer.CallRetried(op, reason)
		c.log.Warn("gateway call failed, retrying", "op", op, "wait", wait, "err", err)
	}
	v, err := Call(ctx, p, fn)
	if err != nil {
		class := Classify(err)
		c.observer.CallFailed(op, class)
		c.log.Error("gateway call failed", "op", op, "class", class.String(), "err", err)
	}
	return v, err
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp, out)
}

// do sends the request and maps transport and HTTP status failures. The
// caller owns the body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, payload any, accept string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Reason: ReasonInvalidArgument, Message: "marshal payload", Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Reason: ReasonInvalidArgument, Message: "new request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Reason: ReasonTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Reason: ReasonNetwork, Message: "request failed", Err: err}
}

func decodeBody(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Reason: ReasonNetwork, Message: "read response body", Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Reason: ReasonMalformed, Message: fmt.Sprintf("decode response (body=%s)", truncateBody(raw)), Err: err}
	}
	return nil
}

type apiStatus struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// mapHTTPError closes the body of a failed response and converts it into a
// typed error. The status string in the error envelope wins over the HTTP code.
func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	var envelope struct {
		Error apiStatus `json:"error"`
	}
	msg := truncateBody(raw)
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}

	if reason, ok := reasonFromStatus(envelope.Error.Status); ok {
		return newError(reason, resp.StatusCode, msg)
	}
	return newError(reasonFromCode(resp.StatusCode), resp.StatusCode, msg)
}

func reasonFromStatus(status string) (Reason, bool) {
	switch strings.ToUpper(status) {
	case "RESOURCE_EXHAUSTED":
		return ReasonQuota, true
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE", "NOT_FOUND":
		return ReasonInvalidArgument, true
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		return ReasonUnauthorized, true
	case "UNAVAILABLE":
		return ReasonUnavailable, true
	case "INTERNAL", "UNKNOWN", "DATA_LOSS":
		return ReasonInternal, true
	case "DEADLINE_EXCEEDED":
		return ReasonTimeout, true
	}
	return "", false
}

func reasonFromCode(code int) Reason {
	switch {
	case code == http.StatusTooManyRequests:
		return ReasonQuota
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ReasonUnauthorized
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ReasonTimeout
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable:
		return ReasonUnavailable
	case code >= 500:
		return ReasonInternal
	default:
		return ReasonInvalidArgument
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
