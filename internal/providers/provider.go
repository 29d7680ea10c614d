package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1024
	maxResponseBytes = 4 << 20
)

// Provider talks to any OpenAI-compatible endpoint (OpenAI, OpenRouter,
// DeepSeek and similar).
type Provider struct {
	APIKey       string
	APIBase      string
	Model        string
	ImageModel   string
	ExtraHeaders map[string]string
	HTTPClient   *http.Client

	gateway *ProviderSpec
}

// NewProvider creates a Provider. name may pin a gateway ("openrouter",
// "custom"); otherwise it is detected from the key and base url.
func NewProvider(apiKey, apiBase, defaultModelName, name string) *Provider {
	if defaultModelName == "" {
		defaultModelName = defaultModel
	}
	return &Provider{
		APIKey:     apiKey,
		APIBase:    apiBase,
		Model:      defaultModelName,
		ImageModel: "gpt-image-1",
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
		gateway:    FindGateway(name, apiKey, apiBase),
	}
}

// DefaultModel satisfies Generator.
func (p *Provider) DefaultModel() string { return p.Model }

// Generate runs a text or image generation.
func (p *Provider) Generate(ctx context.Context, req Request) (*Result, error) {
	switch req.Kind {
	case KindText, "":
		return p.chat(ctx, req)
	case KindImage:
		return p.image(ctx, req)
	default:
		return nil, errs.Validation("unknown generation kind %q", req.Kind)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) chat(ctx context.Context, req Request) (*Result, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens < 1 {
		maxTokens = defaultMaxTokens
	}
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	var resp chatResponse
	if err := p.post(ctx, modelName, "/chat/completions", map[string]any{
		"model":      p.resolveModel(modelName),
		"messages":   msgs,
		"max_tokens": maxTokens,
	}, &resp); err != nil {
		return nil, err
	}
	return parseChat(resp, modelName)
}

func parseChat(resp chatResponse, modelName string) (*Result, error) {
	if len(resp.Choices) == 0 {
		return nil, errs.Upstream(nil, "generation returned no choices")
	}
	choice := resp.Choices[0]
	out := &Result{
		ID:     resp.ID,
		Status: finishStatus(choice.FinishReason),
		Model:  modelName,
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	if resp.Usage != nil {
		out.Usage.InputTokens = resp.Usage.PromptTokens
		out.Usage.OutputTokens = resp.Usage.CompletionTokens
	}
	return out, nil
}

func finishStatus(reason string) string {
	switch reason {
	case "", "stop":
		return "completed"
	case "length":
		return "incomplete"
	default:
		return reason
	}
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) image(ctx context.Context, req Request) (*Result, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.ImageModel
	}
	n := req.Images
	if n < 1 {
		n = 1
	}
	var resp imageResponse
	if err := p.post(ctx, modelName, "/images/generations", map[string]any{
		"model":  p.resolveModel(modelName),
		"prompt": req.Prompt,
		"n":      n,
	}, &resp); err != nil {
		return nil, err
	}

	out := &Result{ID: uuid.NewString(), Status: "completed", Model: modelName}
	for _, d := range resp.Data {
		if d.URL == "" {
			continue
		}
		out.Media = append(out.Media, model.MediaRef{Kind: model.MediaImage, URL: d.URL, Caption: d.RevisedPrompt})
	}
	if len(out.Media) == 0 {
		return nil, errs.Upstream(nil, "generation returned no images")
	}
	out.Usage.Images = len(out.Media)
	if resp.Usage != nil {
		out.Usage.InputTokens = resp.Usage.InputTokens
		out.Usage.OutputTokens = resp.Usage.OutputTokens
	}
	return out, nil
}

// endpoint resolves the base url and key, falling back to the vendor
// defaults matched from the model name.
func (p *Provider) endpoint(modelName string) (base, key string) {
	base, key = p.APIBase, p.APIKey
	if p.gateway != nil {
		if base == "" {
			base = p.gateway.DefaultAPIBase
		}
	} else if spec := FindByModel(modelName); spec != nil {
		if base == "" {
			base = spec.DefaultAPIBase
		}
		if key == "" && spec.EnvKey != "" {
			key = os.Getenv(spec.EnvKey)
		}
	}
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return strings.TrimRight(base, "/"), key
}

func (p *Provider) post(ctx context.Context, modelName, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("providers: marshal request: %w", err)
	}
	base, key := p.endpoint(modelName)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("providers: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range p.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return errs.Upstream(err, "generation request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errs.Upstream(err, "read generation response")
	}
	if resp.StatusCode != http.StatusOK {
		return errs.Upstream(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 512)),
			"generation failed with status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Upstream(err, "decode generation response")
	}
	return nil
}

// resolveModel applies gateway prefixes, or strips the vendor prefix when
// calling a vendor directly.
func (p *Provider) resolveModel(modelName string) string {
	if g := p.gateway; g != nil {
		if g.StripModelPrefix {
			parts := strings.SplitN(modelName, "/", 2)
			modelName = parts[len(parts)-1]
		}
		if g.Prefix != "" && !strings.HasPrefix(modelName, g.Prefix+"/") {
			modelName = g.Prefix + "/" + modelName
		}
		return modelName
	}
	if spec := FindByModel(modelName); spec != nil {
		if idx := strings.Index(modelName, "/"); idx >= 0 {
			modelName = modelName[idx+1:]
		}
	}
	return modelName
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
