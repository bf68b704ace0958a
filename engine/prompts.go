package engine

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a senior network engineer helping an operator diagnose a fault.
Be precise, name the commands to run in backticks and say which output to look for.`

func systemContext(vendor string) string {
	if vendor == "" {
		return systemPrompt
	}
	return systemPrompt + "\n\nThe equipment is from " + vendor + "; use its CLI syntax."
}

func analysisPrompt(query, conversation, docs string) string {
	var b strings.Builder
	b.WriteString("Analyze the following network problem.\n\n")
	fmt.Fprintf(&b, "Problem:\n%s\n\n", query)
	if conversation != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", conversation)
	}
	fmt.Fprintf(&b, "Reference material:\n%s\n\n", docs)
	b.WriteString("State the likely category and severity. ")
	b.WriteString("If you cannot proceed without more details from the user, include " + markerNeedMoreInfo + ". ")
	b.WriteString("If the fault needs on-device diagnosis beyond a direct fix, include " + markerDetailedDiagnose + ".")
	return b.String()
}

func clarificationPrompt(a Analysis, questions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current analysis:\n%s\n\n", a.Text)
	fmt.Fprintf(&b, "Category: %s\nSeverity: %s\n\n", a.Category, a.Severity)
	b.WriteString("Ask the user for the missing information. Useful questions:\n")
	b.WriteString(numbered(questions))
	return b.String()
}

func solutionPrompt(vendor, query, category, conversation, docs string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vendor: %s\nCategory: %s\n\n", firstNonEmpty(vendor, "generic"), category)
	fmt.Fprintf(&b, "Problem:\n%s\n\n", query)
	fmt.Fprintf(&b, "Environment and user answers:\n%s\n\n", firstNonEmpty(conversation, "none provided"))
	fmt.Fprintf(&b, "Reference material:\n%s\n\n", docs)
	b.WriteString("Give a step-by-step solution. Cite reference material as [docN].")
	return b.String()
}

func formatPassages(passages []Passage) string {
	if len(passages) == 0 {
		return "No relevant documents found."
	}
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[doc%d] %s\n", i+1, firstNonEmpty(p.Title, "document"))
		if p.Source != "" {
			fmt.Fprintf(&b, "Source: %s\n", p.Source)
		}
		b.WriteString(p.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

func numbered(items []string) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it)
	}
	return b.String()
}
