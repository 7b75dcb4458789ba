package recommend

import (
	"context"

	"go.uber.org/zap"
)

// LLM is a recommendation provider backed by a local language model.
// Model inference is not wired yet; until Available reports true every
// call delegates to the fallback so callers never fail.
type LLM struct {
	fallback Provider
	logger   *zap.Logger
	enabled  bool
	loaded   bool
}

// NewLLM creates the provider. A nil fallback gets the rule-based one.
func NewLLM(fallback Provider, enabled bool, logger *zap.Logger) *LLM {
	if fallback == nil {
		fallback = NewRuleBased()
	}
	return &LLM{
		fallback: fallback,
		logger:   logger.Named("llm"),
		enabled:  enabled,
	}
}

func (l *LLM) Name() string { return "llm" }

func (l *LLM) Available() bool {
	return l.enabled && l.loaded
}

func (l *LLM) Recommendations(ctx context.Context, rc Context) []Recommendation {
	if !l.Available() {
		l.logger.Debug("llm unavailable, using fallback provider")
		return l.fallback.Recommendations(ctx, rc)
	}
	return l.fallback.Recommendations(ctx, rc)
}

func (l *LLM) TreatmentSuggestions(ctx context.Context, symptoms []string, rc *Context) []Recommendation {
	if !l.Available() {
		return l.fallback.TreatmentSuggestions(ctx, symptoms, rc)
	}
	return l.fallback.TreatmentSuggestions(ctx, symptoms, rc)
}
