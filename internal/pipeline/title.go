package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/metrics"
)

// fallbackTitle is stored when title generation fails. Kept stable for
// compatibility with existing conversation lists.
const fallbackTitle = "空のチャットタイトル"

// generateTitle derives a short Japanese title from the first exchange.
// It never fails: any error degrades to the fixed placeholder.
func (o *Orchestrator) generateTitle(ctx context.Context, logger *zap.Logger, prompt, answer string) string {
	if o.titler == nil {
		return fallbackTitle
	}

	titleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := fmt.Sprintf(
		"以下のやり取りを表す日本語のタイトルを%d文字以内で作成してください。タイトルのみを出力してください。\n\n質問: %s\n回答: %s",
		o.cfg.TitleMaxRunes, truncateForTitle(prompt, 200), truncateForTitle(answer, 200))

	start := time.Now()
	raw, err := o.titler.Complete(titleCtx, req, o.cfg.TitleOptions)
	metrics.RecordGeneration("title", start)
	if err != nil {
		logger.Warn("Title generation failed", zap.Error(err))
		return fallbackTitle
	}

	title := cleanTitle(raw, o.cfg.TitleMaxRunes)
	if title == "" {
		return fallbackTitle
	}
	return title
}

// cleanTitle strips quoting and whitespace the model adds around titles and
// enforces the rune cap.
func cleanTitle(raw string, maxRunes int) string {
	title := strings.TrimSpace(raw)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.Trim(title, "\"'「」『』")
	title = strings.TrimSpace(title)
	return truncateForTitle(title, maxRunes)
}

func truncateForTitle(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
