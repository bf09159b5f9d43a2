package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentops/governor/internal/usage"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultVersion = "2023-06-01"
)

// AnthropicOptions configure the native Anthropic Messages adapter.
type AnthropicOptions struct {
	ID         usage.ProviderID
	APIKey     string
	BaseURL    string
	Version    string
	Model      string
	HTTPClient *http.Client
}

// Anthropic talks to the Messages API directly over HTTP.
type Anthropic struct {
	id      usage.ProviderID
	client  *http.Client
	baseURL string
	opts    AnthropicOptions
}

func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("anthropic: model required")
	}
	if opts.ID == "" {
		opts.ID = "anthropic"
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = anthropicDefaultBaseURL
	}
	if strings.TrimSpace(opts.Version) == "" {
		opts.Version = anthropicDefaultVersion
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Anthropic{
		id:      opts.ID,
		client:  opts.HTTPClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		opts:    opts,
	}, nil
}

func (a *Anthropic) ID() usage.ProviderID { return a.id }

func (a *Anthropic) Call(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := anthropicRequest{
		Model:     a.opts.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, a.wrap(KindUnknown, 0, err)
	}

	endpoint := fmt.Sprintf("%s/v1/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, a.wrap(KindUnknown, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.opts.APIKey)
	httpReq.Header.Set("anthropic-version", a.opts.Version)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, a.wrap(transportKind(err), 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Response{}, a.decodeAPIError(resp)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, a.wrap(KindUnknown, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}

	return Response{
		Text:       parsed.joinText(),
		Model:      parsed.Model,
		StopReason: parsed.StopReason,
		TokensIn:   parsed.Usage.InputTokens,
		TokensOut:  parsed.Usage.OutputTokens,
	}, nil
}

func (a *Anthropic) decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	var apiErr anthropicErrorEnvelope
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return a.wrap(statusKind(resp.StatusCode), resp.StatusCode, errors.New(msg))
}

func (a *Anthropic) wrap(kind ErrorKind, status int, err error) error {
	return &ProviderError{Provider: a.id, Kind: kind, Status: status, Err: err}
}

// statusKind maps HTTP status codes onto the gateway error taxonomy.
func statusKind(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnknown
	}
}

// transportKind distinguishes timeouts from other transport failures.
func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r anthropicResponse) joinText() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
