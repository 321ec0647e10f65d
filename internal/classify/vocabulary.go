package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Vocabulary holds the weighted keyword table the classifier matches
// against. It is data, not code: deployments can extend the company-domain
// vocabulary without touching classification logic.
type Vocabulary struct {
	// Keywords are substring matches, case-insensitive for Latin text.
	Keywords []Keyword `yaml:"keywords"`
	// Threshold is the minimum accumulated weight for a COMPANY verdict.
	Threshold float64 `yaml:"threshold"`
}

// Keyword is a single vocabulary entry.
type Keyword struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

// VocabularyPath returns the vocabulary file path, checking the env var first.
func VocabularyPath() string {
	if p := os.Getenv("CLASSIFIER_VOCABULARY"); p != "" {
		return p
	}
	return "/app/config/classifier_vocabulary.yaml"
}

// LoadVocabulary reads a vocabulary file. A missing or unparsable file is an
// error; callers that want the built-in table use DefaultVocabulary.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if v.Threshold == 0 {
		v.Threshold = defaultThreshold
	}
	return &v, nil
}

const defaultThreshold = 0.3

// DefaultVocabulary returns the built-in HR-domain keyword table covering
// both English and Japanese terms. Strong terms (unambiguous HR vocabulary)
// carry double weight.
func DefaultVocabulary() *Vocabulary {
	return &Vocabulary{
		Threshold: defaultThreshold,
		Keywords: []Keyword{
			// English: strong company-domain signals
			{Term: "leave policy", Weight: 0.6},
			{Term: "annual leave", Weight: 0.6},
			{Term: "paid leave", Weight: 0.6},
			{Term: "sick leave", Weight: 0.6},
			{Term: "maternity leave", Weight: 0.6},
			{Term: "work regulations", Weight: 0.6},
			{Term: "employment rules", Weight: 0.6},
			{Term: "company policy", Weight: 0.6},
			{Term: "expense reimbursement", Weight: 0.6},

			// English: weaker signals
			{Term: "policy", Weight: 0.3},
			{Term: "benefits", Weight: 0.3},
			{Term: "salary", Weight: 0.3},
			{Term: "payroll", Weight: 0.3},
			{Term: "overtime", Weight: 0.3},
			{Term: "vacation", Weight: 0.3},
			{Term: "holiday", Weight: 0.3},
			{Term: "hr", Weight: 0.3},
			{Term: "human resources", Weight: 0.3},
			{Term: "employee", Weight: 0.3},
			{Term: "employment", Weight: 0.3},
			{Term: "company", Weight: 0.3},
			{Term: "contract", Weight: 0.3},
			{Term: "working hours", Weight: 0.3},
			{Term: "remote work", Weight: 0.3},
			{Term: "onboarding", Weight: 0.3},
			{Term: "retirement", Weight: 0.3},
			{Term: "insurance", Weight: 0.3},
			{Term: "allowance", Weight: 0.3},

			// Japanese: strong signals
			{Term: "就業規則", Weight: 0.6},
			{Term: "有給休暇", Weight: 0.6},
			{Term: "育児休暇", Weight: 0.6},
			{Term: "産休", Weight: 0.6},
			{Term: "福利厚生", Weight: 0.6},
			{Term: "人事制度", Weight: 0.6},
			{Term: "経費精算", Weight: 0.6},

			// Japanese: weaker signals
			{Term: "有給", Weight: 0.3},
			{Term: "休暇", Weight: 0.3},
			{Term: "給与", Weight: 0.3},
			{Term: "給料", Weight: 0.3},
			{Term: "残業", Weight: 0.3},
			{Term: "勤務時間", Weight: 0.3},
			{Term: "勤怠", Weight: 0.3},
			{Term: "会社", Weight: 0.3},
			{Term: "社内", Weight: 0.3},
			{Term: "人事", Weight: 0.3},
			{Term: "規定", Weight: 0.3},
			{Term: "規則", Weight: 0.3},
			{Term: "手当", Weight: 0.3},
			{Term: "保険", Weight: 0.3},
			{Term: "退職", Weight: 0.3},
			{Term: "在宅勤務", Weight: 0.3},
			{Term: "テレワーク", Weight: 0.3},
			{Term: "契約", Weight: 0.3},
		},
	}
}
