// Package duallang serializes and parses the dual-language envelope: a
// sentinel-wrapped JSON payload carrying both the user's original-language
// answer and its translation. The envelope is the wire and storage format
// for an Output's content field, so all sentinel scanning lives here and
// nowhere else.
package duallang

import (
	"encoding/json"
	"strings"

	"github.com/aviary-hr/aviary/internal/language"
)

const (
	startMarker = "<!--DUAL_LANG_START-->"
	endMarker   = "<!--DUAL_LANG_END-->"
)

// envelope is the JSON payload between the sentinel markers.
type envelope struct {
	DualLanguage bool          `json:"dualLanguage"`
	Japanese     string        `json:"japanese"`
	Translated   string        `json:"translated"`
	TargetLang   language.Code `json:"targetLanguage"`
}

// Parsed is the result of parsing stored content. When IsDualLanguage is
// false the content is legacy plain text and only RawContent is meaningful.
type Parsed struct {
	IsDualLanguage bool
	Japanese       string
	Translated     string
	TargetLang     language.Code
	RawContent     string
}

// Format wraps the two language renditions into one envelope string.
// targetLang names the user's detected language: it tells the consumer which
// field holds the literal original-language answer, not which one is the
// machine translation.
func Format(japanese, translated string, targetLang language.Code) string {
	payload, err := json.Marshal(envelope{
		DualLanguage: true,
		Japanese:     japanese,
		Translated:   translated,
		TargetLang:   targetLang,
	})
	if err != nil {
		// Marshal of a struct of strings cannot fail; guard anyway.
		return startMarker + `{"dualLanguage":false}` + endMarker
	}
	return startMarker + string(payload) + endMarker
}

// Parse locates the sentinel-delimited JSON inside content. Absent sentinels
// or unparsable JSON yield a non-dual result carrying the raw content
// unchanged; Parse never fails.
func Parse(content string) Parsed {
	start := strings.Index(content, startMarker)
	if start < 0 {
		return Parsed{RawContent: content}
	}
	rest := content[start+len(startMarker):]
	end := strings.Index(rest, endMarker)
	if end < 0 {
		return Parsed{RawContent: content}
	}

	var env envelope
	if err := json.Unmarshal([]byte(rest[:end]), &env); err != nil || !env.DualLanguage {
		return Parsed{RawContent: content}
	}

	return Parsed{
		IsDualLanguage: true,
		Japanese:       env.Japanese,
		Translated:     env.Translated,
		TargetLang:     env.TargetLang,
		RawContent:     content,
	}
}

// IsEnveloped reports whether content already carries the envelope sentinel.
func IsEnveloped(content string) bool {
	return strings.Contains(content, startMarker)
}

// Primary returns the text in the user's own language: the japanese field
// when the user asked in Japanese, the translated field otherwise. For
// legacy plain content it returns the raw content.
func (p Parsed) Primary() string {
	if !p.IsDualLanguage {
		return p.RawContent
	}
	if p.TargetLang == language.Japanese {
		return p.Japanese
	}
	return p.Translated
}
