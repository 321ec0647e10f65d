// Package translate produces the second-language rendition of an answer.
// Translation is best effort: failures degrade to a tagged passthrough of
// the source text so the dual-language envelope can always be assembled.
package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/language"
	"github.com/aviary-hr/aviary/internal/llm"
)

// Generator is the inference call the translator needs. *llm.Client
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// Config tunes retry behavior.
type Config struct {
	// AttemptTimeout bounds each individual attempt. Default 60s.
	AttemptTimeout time.Duration
	// Retries is the number of additional attempts after the first. Default 1.
	Retries int
	// Backoff is the fixed delay between attempts. Default 500ms.
	Backoff time.Duration
	// Temperature for translation calls. Default 0.3.
	Temperature float64
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 1
	}
	if c.Backoff == 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	return c
}

// Translator translates answer text between Japanese and English.
type Translator struct {
	gen    Generator
	cfg    Config
	logger *zap.Logger
}

// New builds a translator over the given generator.
func New(gen Generator, cfg Config, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{gen: gen, cfg: cfg.withDefaults(), logger: logger}
}

// Request describes one translation.
type Request struct {
	Text string
	// Target is the language to translate into.
	Target language.Code
	// PreserveCitations keeps source-attribution lines verbatim. Set when
	// the answer was grounded on retrieved documents.
	PreserveCitations bool
}

// Translate renders req.Text into the target language. It never returns an
// error: after all attempts fail it returns a tagged passthrough of the
// source text, and the second return reports whether real translation
// succeeded.
func (t *Translator) Translate(ctx context.Context, req Request) (string, bool) {
	if strings.TrimSpace(req.Text) == "" {
		return "", true
	}

	attempts := t.cfg.Retries + 1
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: t.systemPrompt(req)},
		{Role: llm.RoleUser, Content: req.Text},
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := t.translateOnce(ctx, messages)
		if err == nil {
			cleaned := CleanArtifacts(out)
			if !req.PreserveCitations {
				cleaned = StripSourceLines(cleaned)
			}
			if strings.TrimSpace(cleaned) != "" {
				return cleaned, true
			}
			err = fmt.Errorf("empty translation")
		}
		t.logger.Warn("Translation attempt failed",
			zap.Int("attempt", attempt),
			zap.String("target", string(req.Target)),
			zap.Error(err),
		)
		if attempt < attempts {
			select {
			case <-time.After(t.cfg.Backoff):
			case <-ctx.Done():
				return t.fallback(req), false
			}
		}
	}
	return t.fallback(req), false
}

func (t *Translator) translateOnce(ctx context.Context, messages []llm.Message) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.AttemptTimeout)
	defer cancel()
	return t.gen.Generate(attemptCtx, messages, llm.Options{Temperature: t.cfg.Temperature})
}

func (t *Translator) systemPrompt(req Request) string {
	var b strings.Builder
	if req.Target == language.Japanese {
		b.WriteString("You are a professional translator. Translate the following text into natural Japanese. ")
	} else {
		b.WriteString("You are a professional translator. Translate the following text into natural English. ")
	}
	b.WriteString("Output only the translation with no commentary, labels, or language tags.")
	if req.PreserveCitations {
		b.WriteString(" Lines starting with \"- Source:\" are document citations: copy them into the output exactly as written, without translating them.")
	}
	return b.String()
}

// fallback produces the deterministic tagged passthrough used when every
// attempt failed. The tag tells the reader the text is untranslated.
func (t *Translator) fallback(req Request) string {
	if req.Target == language.Japanese {
		return "【日本語訳を用意できませんでした】\n" + req.Text
	}
	return "[English translation unavailable]\n" + req.Text
}

// artifactPrefixes are labels models sometimes prepend despite instructions.
var artifactPrefixes = []string{
	"Translation:", "English:", "Japanese:", "訳:", "翻訳:",
}

// CleanArtifacts strips language tags and labels that leak into model
// output, such as [EN]...[/EN] wrappers or a leading "Translation:" line.
func CleanArtifacts(text string) string {
	for _, tag := range []string{"[EN]", "[/EN]", "[JA]", "[/JA]", "[JP]", "[/JP]"} {
		text = strings.ReplaceAll(text, tag, "")
	}
	trimmed := strings.TrimSpace(text)
	for _, prefix := range artifactPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			break
		}
	}
	return trimmed
}

// StripSourceLines drops citation lines the model carried over from a
// grounded answer. Used only when the caller did not ask for citations to
// be preserved.
func StripSourceLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "- Source:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
