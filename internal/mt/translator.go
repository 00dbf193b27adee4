// Package mt provides the machine-translation backends: the Google
// Cloud Translation v3 client with glossary support and retry, and a
// Gemini prompt-based alternative.
package mt

import "context"

// Translator is the contract the pipeline consumes.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
	Close() error
}
