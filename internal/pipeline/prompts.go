package pipeline

import (
	"fmt"
	"strings"

	"github.com/aviary-hr/aviary/internal/language"
	"github.com/aviary-hr/aviary/internal/retrieval"
)

// groundedInstruction builds the strict document-grounded system prompt:
// answer only from the excerpts, cite every statement, refuse what the
// excerpts do not support.
func groundedInstruction(lang language.Code, docs []retrieval.Document) string {
	var b strings.Builder
	b.WriteString("You are an HR assistant. Answer the question using ONLY the document excerpts below.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Base every statement on the excerpts. Do not use outside knowledge.\n")
	b.WriteString("- After each statement, cite its source on its own line as: - Source: <document title>\n")
	b.WriteString("- If the excerpts do not cover the question, say so plainly instead of guessing.\n")
	fmt.Fprintf(&b, "- Respond only in %s. Do not add language tags, labels, or a second language.\n", language.Name(lang))
	b.WriteString("\nDocument excerpts:\n")
	for i, doc := range docs {
		title := doc.Title
		if title == "" {
			title = doc.ID
		}
		fmt.Fprintf(&b, "\n[Document %d: %s]\n%s\n", i+1, title, doc.Content)
	}
	return b.String()
}

// notCoveredInstruction is used when retrieval ran but found nothing: the
// model must state the topic is not covered rather than invent content.
func notCoveredInstruction(lang language.Code) string {
	var b strings.Builder
	b.WriteString("You are an HR assistant. The user's question concerns company policy, ")
	b.WriteString("but no matching content was found in the company documents.\n")
	b.WriteString("State clearly that the available documents do not cover this topic and ")
	b.WriteString("suggest contacting the HR department. Do not invent policy details or cite any source.\n")
	fmt.Fprintf(&b, "Respond only in %s. Do not add language tags or labels.", language.Name(lang))
	return b.String()
}

// plainInstruction is the ungrounded path for general queries.
func plainInstruction(lang language.Code) string {
	var b strings.Builder
	b.WriteString("You are a helpful HR assistant.\n")
	fmt.Fprintf(&b, "Respond only in %s. ", language.Name(lang))
	b.WriteString("Do not add language tags, bracketed markers, or a second language to your answer.")
	return b.String()
}
