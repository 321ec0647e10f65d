// Package language provides script-based language detection for routing
// queries through the bilingual chat pipeline.
package language

import "unicode"

// Code identifies a detected language.
type Code string

const (
	Japanese Code = "ja"
	English  Code = "en"
	Korean   Code = "ko"
	Chinese  Code = "zh"
)

// Detect classifies text by the scripts it contains. Hiragana or Katakana
// wins over everything else; Hangul next; CJK ideographs without Kana are
// treated as Chinese. Anything else defaults to English. Detect is pure and
// always returns a value.
func Detect(text string) Code {
	var hasKana, hasHangul, hasIdeograph bool
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			hasKana = true
		case unicode.In(r, unicode.Hangul):
			hasHangul = true
		case unicode.In(r, unicode.Han):
			hasIdeograph = true
		}
	}

	switch {
	case hasKana:
		return Japanese
	case hasHangul:
		return Korean
	case hasIdeograph:
		return Chinese
	default:
		return English
	}
}

// Name returns the English name of a language code for use in prompts.
// Unknown codes fall back to English.
func Name(c Code) string {
	switch c {
	case Japanese:
		return "Japanese"
	case Korean:
		return "Korean"
	case Chinese:
		return "Chinese"
	default:
		return "English"
	}
}
