package mt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"
)

// GeminiTranslator is the LLM translation backend. It falls back to a
// cheaper model on 429/503 and recovers automatically after 30 s.
type GeminiTranslator struct {
	client        *genai.Client
	model         string
	fallbackModel string
	logger        *slog.Logger
	degraded      atomic.Bool
	recoverAt     atomic.Int64 // unix millis
}

// GeminiOption configures a GeminiTranslator.
type GeminiOption func(*GeminiTranslator)

// WithFallbackModel overrides the model used while rate limited.
func WithFallbackModel(model string) GeminiOption {
	return func(t *GeminiTranslator) { t.fallbackModel = model }
}

// NewGeminiTranslator creates the Gemini backend.
func NewGeminiTranslator(ctx context.Context, apiKey, model string, logger *slog.Logger, opts ...GeminiOption) (*GeminiTranslator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &GeminiTranslator{
		client:        client,
		model:         model,
		fallbackModel: "gemini-2.0-flash",
		logger:        logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Translate prompts the model for a subtitle-style translation.
func (t *GeminiTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(
		"Translate the following %s text to %s. "+
			"Output ONLY the translation, nothing else. "+
			"Keep it natural and concise (suitable for live interpretation subtitles). "+
			"Preserve all numbers, dates and scripture references exactly as written.\n\n%s",
		sourceLang, targetLang, text,
	)

	model := t.activeModel()
	resp, err := t.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		if !isRetryable(err) && !strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") && !strings.Contains(err.Error(), "UNAVAILABLE") {
			return "", fmt.Errorf("gemini translate: %w", err)
		}
		// Degrade to the fallback model for 30 s.
		if !t.degraded.Load() {
			t.logger.Warn("rate limited, falling back", "from", model, "to", t.fallbackModel)
		}
		t.degraded.Store(true)
		t.recoverAt.Store(time.Now().Add(30 * time.Second).UnixMilli())

		resp, err = t.client.Models.GenerateContent(ctx, t.fallbackModel, genai.Text(prompt), nil)
		if err != nil {
			return "", fmt.Errorf("gemini translate (fallback): %w", err)
		}
	}

	result := strings.TrimSpace(resp.Text())
	t.logger.Debug("translated", "target", targetLang, "model", model, "chars", len(result))
	return result, nil
}

// activeModel returns the current model, recovering from the degraded
// state once the hold-down expires.
func (t *GeminiTranslator) activeModel() string {
	if t.degraded.Load() {
		if time.Now().UnixMilli() >= t.recoverAt.Load() {
			t.degraded.Store(false)
			t.logger.Info("recovered from rate limit", "model", t.model)
			return t.model
		}
		return t.fallbackModel
	}
	return t.model
}

func (t *GeminiTranslator) Close() error { return nil }
