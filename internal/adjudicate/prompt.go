package adjudicate

import (
	"fmt"
	"strings"

	"github.com/lotscout/api/internal/models"
)

// buildPrompt renders the parcel summary and active filter thresholds into
// the adjudication prompt. The model must answer with a strict JSON object.
func buildPrompt(p *models.Parcel, filters models.SearchFilters) string {
	var b strings.Builder

	b.WriteString("You are reviewing a residential parcel to decide whether its rear yard ")
	b.WriteString("can accommodate a secondary structure after zoning, setback, and obstacle ")
	b.WriteString("constraints. Simple thresholding was inconclusive for this parcel.\n\n")

	b.WriteString("Parcel:\n")
	if p.Address != nil {
		fmt.Fprintf(&b, "- address: %s\n", *p.Address)
	}
	fmt.Fprintf(&b, "- lot area: %.0f sqft\n", p.LotSqft)
	if p.RearFreeSqft != nil {
		fmt.Fprintf(&b, "- estimated free rear-yard area: %.0f sqft (approximate estimate: %t)\n",
			*p.RearFreeSqft, p.RearApproximate)
	} else {
		b.WriteString("- estimated free rear-yard area: unknown\n")
	}
	switch {
	case p.HasPool == nil:
		b.WriteString("- pool detected: unknown\n")
	case *p.HasPool:
		b.WriteString("- pool detected: yes\n")
	default:
		b.WriteString("- pool detected: no\n")
	}
	if p.ZoningCode != nil {
		fmt.Fprintf(&b, "- zoning code: %s\n", *p.ZoningCode)
	}

	b.WriteString("\nActive filters:\n")
	fmt.Fprintf(&b, "- minimum free rear-yard area: %.0f sqft\n", filters.MinRearSqft)
	switch filters.Pool {
	case models.PoolRequire:
		b.WriteString("- parcel must have a pool\n")
	case models.PoolExclude:
		b.WriteString("- parcel must not have a pool\n")
	}
	if len(filters.ZoningCodes) > 0 {
		fmt.Fprintf(&b, "- allowed zoning codes: %s\n", strings.Join(filters.ZoningCodes, ", "))
	}

	b.WriteString("\nRespond with a single JSON object and nothing else: ")
	b.WriteString(`{"qualifies": true|false, "rationale": "<one or two sentences>"}`)

	return b.String()
}

// extractJSONObject trims any prose around the first top-level JSON object
// in a model response.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
