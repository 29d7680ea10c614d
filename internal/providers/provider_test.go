package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

func TestProvider_ImplementsGenerator(t *testing.T) {
	var _ Generator = &Provider{}
}

func TestResolveModel(t *testing.T) {
	p := NewProvider("key", "", "deepseek/deepseek-chat", "")
	assert.Equal(t, "deepseek-chat", p.resolveModel("deepseek/deepseek-chat"))
	assert.Equal(t, "gpt-4o", p.resolveModel("gpt-4o"))

	p = NewProvider("sk-or-abc", "", "gpt-4o", "")
	assert.Equal(t, "openrouter/gpt-4o", p.resolveModel("gpt-4o"))
	assert.Equal(t, "openrouter/gpt-4o", p.resolveModel("openrouter/gpt-4o"), "no double prefix")

	p = NewProvider("key", "https://llm.internal/v1", "acme/large", "custom")
	assert.Equal(t, "openai/large", p.resolveModel("acme/large"))
}

func TestDefaultModel(t *testing.T) {
	assert.Equal(t, "gpt-4o", NewProvider("", "", "gpt-4o", "").DefaultModel())
	assert.Equal(t, defaultModel, NewProvider("", "", "", "").DefaultModel())
}

func TestFinishStatus(t *testing.T) {
	assert.Equal(t, "completed", finishStatus("stop"))
	assert.Equal(t, "completed", finishStatus(""))
	assert.Equal(t, "incomplete", finishStatus("length"))
	assert.Equal(t, "content_filter", finishStatus("content_filter"))
}

func TestProvider_GenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "tenant-7", r.Header.Get("X-Tenant"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		assert.Equal(t, float64(defaultMaxTokens), body["max_tokens"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4o-2024-08-06",
			"choices":[{"message":{"content":"Thanks for reaching out!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer server.Close()

	p := NewProvider("test-key", server.URL, "gpt-4o", "")
	p.ExtraHeaders = map[string]string{"X-Tenant": "tenant-7"}
	res, err := p.Generate(context.Background(), Request{Kind: KindText, Prompt: "draft a greeting", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", res.ID)
	assert.Equal(t, "Thanks for reaching out!", res.Content)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "gpt-4o-2024-08-06", res.Model)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 5}, res.Usage)
}

func TestProvider_GenerateImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(2), body["n"])
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img.example.com/1.png"},{"url":"https://img.example.com/2.png"}]}`))
	}))
	defer server.Close()

	p := NewProvider("key", server.URL, "", "")
	res, err := p.Generate(context.Background(), Request{Kind: KindImage, Prompt: "a storefront", Images: 2})
	require.NoError(t, err)
	require.Len(t, res.Media, 2)
	assert.Equal(t, model.MediaImage, res.Media[0].Kind)
	assert.Equal(t, 2, res.Usage.Images)
	assert.NotEmpty(t, res.ID)
}

func TestProvider_UpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
		default:
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	}))
	defer server.Close()

	p := NewProvider("key", server.URL, "gpt-4o", "")
	_, err := p.Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstream, errs.KindOf(err))
	assert.Contains(t, err.Error(), "429")

	_, err = p.Generate(context.Background(), Request{Kind: KindImage, Prompt: "hi"})
	assert.Equal(t, errs.KindUpstream, errs.KindOf(err))

	_, err = p.Generate(context.Background(), Request{Kind: "video", Prompt: "hi"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestParseChat_NoChoices(t *testing.T) {
	_, err := parseChat(chatResponse{}, "m")
	assert.Equal(t, errs.KindUpstream, errs.KindOf(err))
}
