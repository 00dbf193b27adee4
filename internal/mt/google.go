package mt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	translate "cloud.google.com/go/translate/apiv3"
	"cloud.google.com/go/translate/apiv3/translatepb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	maxAttempts = 3
	backoffBase = 1 * time.Second
	backoffCap  = 5 * time.Second
)

// translateAPI is the slice of the generated client the translator
// calls; *translate.TranslationClient satisfies it.
type translateAPI interface {
	TranslateText(ctx context.Context, req *translatepb.TranslateTextRequest, opts ...gax.CallOption) (*translatepb.TranslateTextResponse, error)
	Close() error
}

// GoogleConfig configures the Translation API v3 backend.
type GoogleConfig struct {
	ProjectID string
	Location  string
	// Model selects the NMT model ("nmt") or the premium one
	// ("advanced"). Empty defaults to nmt.
	Model           string
	GlossaryEnabled bool
	ClientOptions   []option.ClientOption
}

// GoogleTranslator translates via the Cloud Translation API v3 with
// per-direction glossaries and a bounded retry loop.
type GoogleTranslator struct {
	api    translateAPI
	cfg    GoogleConfig
	parent string
	logger *slog.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGoogleTranslator dials the Translation API.
func NewGoogleTranslator(ctx context.Context, cfg GoogleConfig, logger *slog.Logger) (*GoogleTranslator, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("google translator: project id required")
	}
	if cfg.Location == "" {
		cfg.Location = "global"
	}
	client, err := translate.NewTranslationClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("create translation client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleTranslator{
		api:    client,
		cfg:    cfg,
		parent: fmt.Sprintf("projects/%s/locations/%s", cfg.ProjectID, cfg.Location),
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

func (t *GoogleTranslator) Close() error { return t.api.Close() }

// Translate calls TranslateText with up to three attempts. A missing
// glossary drops the glossary for this call only and retries
// immediately without consuming an attempt.
func (t *GoogleTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	req := &translatepb.TranslateTextRequest{
		Parent:             t.parent,
		Contents:           []string{text},
		MimeType:           "text/plain",
		SourceLanguageCode: sourceLang,
		TargetLanguageCode: targetLang,
		Model:              t.modelPath(),
	}

	glossary := ""
	if t.cfg.GlossaryEnabled {
		glossary = t.glossaryFor(sourceLang, targetLang)
	}

	delay := backoffBase
	for attempt := 1; attempt <= maxAttempts; {
		if glossary != "" {
			req.GlossaryConfig = &translatepb.TranslateTextGlossaryConfig{
				Glossary:   glossary,
				IgnoreCase: true,
			}
		} else {
			req.GlossaryConfig = nil
		}

		resp, err := t.api.TranslateText(ctx, req)
		if err == nil {
			return pickTranslation(resp, glossary != "")
		}

		if glossary != "" && isGlossaryMissing(err) {
			t.logger.Warn("glossary unavailable, retrying without it", "glossary", glossary, "error", err)
			glossary = ""
			continue
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("translate text: %w", err)
		}
		attempt++
		if attempt > maxAttempts {
			return "", fmt.Errorf("translate text: attempts exhausted: %w", err)
		}
		t.logger.Warn("transient translate error, backing off", "attempt", attempt, "delay", delay, "error", err)
		if serr := t.sleep(ctx, delay); serr != nil {
			return "", serr
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return "", fmt.Errorf("translate text: attempts exhausted")
}

func pickTranslation(resp *translatepb.TranslateTextResponse, wantGlossary bool) (string, error) {
	if wantGlossary && len(resp.GetGlossaryTranslations()) > 0 {
		return resp.GetGlossaryTranslations()[0].GetTranslatedText(), nil
	}
	if len(resp.GetTranslations()) > 0 {
		return resp.GetTranslations()[0].GetTranslatedText(), nil
	}
	return "", fmt.Errorf("translate text: empty response")
}

func (t *GoogleTranslator) modelPath() string {
	model := "general/nmt"
	if t.cfg.Model == "advanced" {
		model = "general/translation-llm"
	}
	return fmt.Sprintf("projects/%s/locations/%s/models/%s", t.cfg.ProjectID, t.cfg.Location, model)
}

// glossaryFor returns the glossary resource for the ro↔en directions,
// empty for any other pair.
func (t *GoogleTranslator) glossaryFor(sourceLang, targetLang string) string {
	src := primarySubtag(sourceLang)
	tgt := primarySubtag(targetLang)
	var name string
	switch {
	case src == "ro" && tgt == "en":
		name = "ro-en-glossary"
	case src == "en" && tgt == "ro":
		name = "en-ro-glossary"
	default:
		return ""
	}
	return fmt.Sprintf("projects/%s/locations/%s/glossaries/%s", t.cfg.ProjectID, t.cfg.Location, name)
}

func primarySubtag(lang string) string {
	if i := strings.IndexByte(lang, '-'); i >= 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}

// isRetryable classifies transient faults worth another attempt.
func isRetryable(err error) bool {
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted:
			return true
		}
	}
	msg := err.Error()
	for _, marker := range []string{"503", "429", "ECONNRESET", "ETIMEDOUT", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isGlossaryMissing(err error) bool {
	if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "glossary") && (strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
