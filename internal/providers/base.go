// Package providers generates draft reply content through an external
// OpenAI-compatible model endpoint and records what each call consumed.
package providers

import (
	"context"

	"github.com/dayuer/inboxd/internal/model"
)

// Kind selects the generation endpoint.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Request is one generation call.
type Request struct {
	Kind      Kind   `json:"kind"`
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	// Images is the number of images to produce for KindImage.
	Images int `json:"images,omitempty"`
}

// Usage is what the upstream reported for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Images       int `json:"images"`
}

// Result mirrors the upstream reply.
type Result struct {
	ID      string           `json:"id"`
	Content string           `json:"content"`
	Media   []model.MediaRef `json:"media,omitempty"`
	Status  string           `json:"status"`
	Model   string           `json:"model"`
	Usage   Usage            `json:"usage"`
}

// Generator is the interface for model backends.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	DefaultModel() string
}
