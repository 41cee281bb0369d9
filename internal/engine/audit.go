package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseAuditResponse implements the Auditor response-parsing contract
// (spec §6): the Auditor's output must be parseable either as a bare JSON
// object or as a JSON object embedded in surrounding prose (first
// well-formed object wins). A malformed response never crashes the
// engine; it synthesizes a NEEDS_WORK result carrying one major issue
// describing the parse failure.
func ParseAuditResponse(raw string) AuditResult {
	jsonStr, ok := extractJSONObject(raw)
	if !ok {
		return synthesizeUnparsable("no JSON object found in audit response")
	}

	var result AuditResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return synthesizeUnparsable(fmt.Sprintf("audit response JSON did not match the expected schema: %v", err))
	}

	if result.Status != AuditApproved && result.Status != AuditNeedsWork {
		return synthesizeUnparsable(fmt.Sprintf("audit response had unrecognized status %q", result.Status))
	}

	if result.Issues == nil {
		result.Issues = []AuditIssue{}
	}
	return result
}

func synthesizeUnparsable(reason string) AuditResult {
	return AuditResult{
		Status: AuditNeedsWork,
		Issues: []AuditIssue{{
			Severity:    SeverityMajor,
			Description: "unparsable audit: " + reason,
		}},
		Summary: "Auditor response could not be parsed; treating as NEEDS_WORK.",
	}
}

// extractJSONObject locates the first well-formed top-level JSON object in
// raw, tolerating prose before and after it. It scans brace depth rather
// than relying on a regex so nested braces inside strings are handled
// correctly.
func extractJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal; braces here don't affect depth
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// MergeParallelAudits combines one AuditResult per file (parallel mode)
// into a single result: APPROVED iff every file is approved, with every
// file's issues unioned together.
func MergeParallelAudits(perFile []AuditResult) AuditResult {
	merged := AuditResult{Status: AuditApproved}
	var summaries []string
	for _, r := range perFile {
		if !r.IsApproved() {
			merged.Status = AuditNeedsWork
		}
		merged.Issues = append(merged.Issues, r.Issues...)
		if r.Summary != "" {
			summaries = append(summaries, r.Summary)
		}
	}
	merged.Summary = strings.Join(summaries, " ")
	return merged
}
