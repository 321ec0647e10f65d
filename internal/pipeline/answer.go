package pipeline

import (
	"strings"

	"github.com/aviary-hr/aviary/internal/language"
)

// CleanAnswer strips language-marker artifacts the model may echo despite
// instructions. When an explicit [EN]/[JA] block structure is present, only
// the block matching the user's language is kept.
func CleanAnswer(raw string, lang language.Code) string {
	if block, ok := extractLanguageBlock(raw, lang); ok {
		raw = block
	}
	for _, tag := range []string{"[EN]", "[/EN]", "[JA]", "[/JA]", "[JP]", "[/JP]"} {
		raw = strings.ReplaceAll(raw, tag, "")
	}
	trimmed := strings.TrimSpace(raw)
	for _, prefix := range []string{"English:", "Japanese:", "回答:", "答え:"} {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			break
		}
	}
	return trimmed
}

// extractLanguageBlock pulls the tagged block matching the user's language
// out of a [EN]...[/EN][JA]...[/JA] structure.
func extractLanguageBlock(text string, lang language.Code) (string, bool) {
	openTag, closeTag := "[EN]", "[/EN]"
	if lang == language.Japanese {
		openTag, closeTag = "[JA]", "[/JA]"
	}
	start := strings.Index(text, openTag)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(openTag):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		// Unterminated block: keep everything after the open tag.
		return rest, true
	}
	return rest[:end], true
}

// apology is the fixed fallback persisted when the cleaned answer is empty.
// An empty answer is never stored.
func apology(lang language.Code) string {
	if lang == language.Japanese {
		return "申し訳ありませんが、回答を生成できませんでした。もう一度お試しください。"
	}
	return "Sorry, I could not generate an answer. Please try again."
}
