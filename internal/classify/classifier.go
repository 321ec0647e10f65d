// Package classify decides whether a query needs company-document retrieval
// or can be answered from general model knowledge alone.
package classify

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/language"
)

// QueryType labels the processing path for a query.
type QueryType string

const (
	QueryTypeCompany QueryType = "COMPANY"
	QueryTypeGeneral QueryType = "GENERAL"
)

// Result is the outcome of classifying one query. It is ephemeral: computed
// per request, never persisted, used only to branch pipeline logic.
type Result struct {
	IsCompanyQuery  bool
	QueryType       QueryType
	Language        language.Code
	Confidence      float64
	MatchedKeywords []string
	Reason          string
}

// Classifier matches queries against a weighted keyword vocabulary. It is
// deterministic, does no I/O, and never fails: unmatched input is GENERAL.
type Classifier struct {
	vocab  *Vocabulary
	logger *zap.Logger
}

// NewClassifier builds a classifier over the given vocabulary. A nil
// vocabulary uses the built-in default table.
func NewClassifier(vocab *Vocabulary, logger *zap.Logger) *Classifier {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{vocab: vocab, logger: logger}
}

// Classify scores the query against the vocabulary and detects its language.
func (c *Classifier) Classify(text string) Result {
	lang := language.Detect(text)
	lowered := strings.ToLower(text)

	var score float64
	var matched []string
	for _, kw := range c.vocab.Keywords {
		if containsTerm(lowered, kw.Term) {
			score += kw.Weight
			matched = append(matched, kw.Term)
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	isCompany := score >= c.vocab.Threshold
	qt := QueryTypeGeneral
	confidence := 1.0 - score
	reason := "no company-domain keywords matched"
	if isCompany {
		qt = QueryTypeCompany
		confidence = score
		reason = fmt.Sprintf("matched %d company-domain keyword(s)", len(matched))
	} else if len(matched) > 0 {
		reason = fmt.Sprintf("matched keywords below threshold (score %.2f)", score)
	}

	res := Result{
		IsCompanyQuery:  isCompany,
		QueryType:       qt,
		Language:        lang,
		Confidence:      confidence,
		MatchedKeywords: matched,
		Reason:          reason,
	}

	c.logger.Debug("Classified query",
		zap.String("query_type", string(qt)),
		zap.String("language", string(lang)),
		zap.Float64("confidence", confidence),
		zap.Strings("keywords", matched),
	)

	return res
}

// containsTerm matches a vocabulary term against lowercased query text.
// Latin terms match on word boundaries so short entries like "hr" do not
// fire inside unrelated words; CJK terms match as substrings since Japanese
// has no word delimiters.
func containsTerm(loweredText, term string) bool {
	term = strings.ToLower(term)
	if !isASCIITerm(term) {
		return strings.Contains(loweredText, term)
	}
	for start := 0; ; {
		idx := strings.Index(loweredText[start:], term)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(term)
		if !adjacentLetter(loweredText, idx-1) && !adjacentLetter(loweredText, end) {
			return true
		}
		start = idx + 1
	}
}

func isASCIITerm(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func adjacentLetter(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	c := s[i]
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
