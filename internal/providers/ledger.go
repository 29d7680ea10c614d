package providers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

const (
	maxPromptLen = 8000
	maxImages    = 4
)

// UsageStore is the append-only usage ledger.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec model.UsageRecord) error
	ListUsage(ctx context.Context, agentID string, limit int) ([]model.UsageRecord, error)
}

// Service validates generation requests on behalf of an agent and records
// one usage row per successful call.
type Service struct {
	gen    Generator
	usage  UsageStore
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(gen Generator, usage UsageStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{gen: gen, usage: usage, logger: logger.Named("providers")}
}

// Generate runs req for agentID. A failed ledger write is logged, not
// returned: the caller already paid for the result.
func (s *Service) Generate(ctx context.Context, agentID string, req Request) (*Result, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	switch {
	case req.Prompt == "":
		return nil, errs.Validation("prompt is required")
	case len(req.Prompt) > maxPromptLen:
		return nil, errs.Validation("prompt exceeds %d characters", maxPromptLen)
	case req.Kind != "" && req.Kind != KindText && req.Kind != KindImage:
		return nil, errs.Validation("unknown generation kind %q", req.Kind)
	case req.Images > maxImages:
		return nil, errs.Validation("at most %d images per request", maxImages)
	}
	if req.Kind == "" {
		req.Kind = KindText
	}

	res, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("generation failed", zap.String("agent_id", agentID), zap.String("kind", string(req.Kind)), zap.Error(err))
		if errs.KindOf(err) == errs.KindInternal {
			return nil, errs.Upstream(err, "generation failed")
		}
		return nil, err
	}

	rec := model.UsageRecord{
		AgentID:         agentID,
		Kind:            string(req.Kind),
		Model:           res.Model,
		InputTokens:     res.Usage.InputTokens,
		OutputTokens:    res.Usage.OutputTokens,
		ImagesGenerated: res.Usage.Images,
	}
	if err := s.usage.AppendUsage(ctx, rec); err != nil {
		s.logger.Error("record usage", zap.String("agent_id", agentID), zap.Error(err))
	}
	return res, nil
}

// Usage lists an agent's most recent ledger rows.
func (s *Service) Usage(ctx context.Context, agentID string, limit int) ([]model.UsageRecord, error) {
	recs, err := s.usage.ListUsage(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("providers: list usage: %w", err)
	}
	return recs, nil
}
