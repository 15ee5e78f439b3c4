package council

import (
	"fmt"
	"strings"

	"escrowflow/ledger"
)

// DefaultMaxPrecedents bounds how many precedents reach the judges.
const DefaultMaxPrecedents = 15

// Contract is the agreed scope a judge measures the evidence against.
type Contract struct {
	Title              string
	Description        string
	AcceptanceCriteria string
	Price              int64
	Currency           string
	DisputeReason      string
}

// Case is the full input to one arbitration.
type Case struct {
	SliceID  string
	Contract Contract
	Evidence []ledger.Evidence
	// Precedents are natural-language rules from past human overrides,
	// most recent first.
	Precedents []string
}

// VisualEvidenceURLs returns the non-empty image and video URLs in order.
func (c Case) VisualEvidenceURLs() []string {
	out := make([]string, 0, len(c.Evidence))
	for _, item := range c.Evidence {
		if !item.MediaKind.Visual() {
			continue
		}
		if u := strings.TrimSpace(item.URL); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// TrimPrecedents drops blanks and keeps at most max entries, preserving
// order. max <= 0 falls back to DefaultMaxPrecedents.
func TrimPrecedents(precedents []string, max int) []string {
	if max <= 0 {
		max = DefaultMaxPrecedents
	}
	out := make([]string, 0, min(len(precedents), max))
	for _, p := range precedents {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if len(out) == max {
			break
		}
	}
	return out
}

// Policies every judge must apply regardless of backend.
var Policies = []string{
	"NON-PIXEL-PEEPING: Judge the work as a reasonable client would see it at normal viewing distance. " +
		"Do not penalise flaws that are only visible under macro or close-up inspection.",
	"EVIDENCE QUALITY GATE: If the evidence is too sparse, too blurry, or does not show the disputed area, " +
		"return \"appealed\" instead of guessing.",
	"PARTIAL CREDIT: If the work is substantially complete but has minor finishing defects, return " +
		"\"resolved_partial\" with a suggested_split of provider and client percentages that sum to 100.",
}

// BuildContractText renders the contract, the fixed policies, the precedents
// and the required answer shape into the text every judge receives.
func BuildContractText(c Contract, precedents []string) string {
	var b strings.Builder
	b.WriteString("You are an impartial arbiter deciding whether escrowed funds for a unit of work ")
	b.WriteString("should be released to the provider, refunded to the client, or split.\n\n")

	b.WriteString("CONTRACT\n")
	fmt.Fprintf(&b, "Title: %s\n", strings.TrimSpace(c.Title))
	if d := strings.TrimSpace(c.Description); d != "" {
		fmt.Fprintf(&b, "Description: %s\n", d)
	}
	if ac := strings.TrimSpace(c.AcceptanceCriteria); ac != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", ac)
	}
	fmt.Fprintf(&b, "Price: %d %s (minor units)\n", c.Price, strings.ToUpper(c.Currency))
	if r := strings.TrimSpace(c.DisputeReason); r != "" {
		fmt.Fprintf(&b, "Dispute raised because: %s\n", r)
	}

	b.WriteString("\nPOLICIES\n")
	for i, p := range Policies {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}

	if len(precedents) > 0 {
		b.WriteString("\nPRECEDENTS (most recent first; follow them unless the evidence clearly differs)\n")
		for _, p := range precedents {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	b.WriteString("\nAnswer with a single JSON object: ")
	b.WriteString(`{"decision":"resolved_release|resolved_refund|resolved_partial|appealed",`)
	b.WriteString(`"confidence":0-100,"reasoning":"...","observed_facts":["..."],`)
	b.WriteString(`"suggested_split":{"provider":0-100,"client":0-100}}`)
	b.WriteString("\n")
	return b.String()
}
