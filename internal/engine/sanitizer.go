package engine

import (
	"regexp"
	"strings"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")

// codeStartPatterns recognize an opening line that plausibly starts real
// code for a broad cross-section of languages, used to trim leading
// narrative lines the model may have emitted before the code itself.
var codeStartPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#!`),                                     // shebang
	regexp.MustCompile(`^(package|import|from|using|require)\b`),  // imports/package decls
	regexp.MustCompile(`^(func|def|class|interface|struct|type|fn|public|private|protected)\b`),
	regexp.MustCompile(`^(const|let|var|export)\b`),
	regexp.MustCompile(`^(//|#|/\*|\*|<!--)`), // comments/docstring openers
	regexp.MustCompile(`^["']{3}`),            // python docstring opener
	regexp.MustCompile(`^[{\[]`),              // JSON opener
	regexp.MustCompile(`^<`),                  // markup opener
	regexp.MustCompile(`^@`),                  // decorator/annotation
}

// narrativeLeadPatterns flag a trailing line as English narrative rather
// than code, unless it also contains code punctuation.
var narrativeLeadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(based on|here'?s|here is|note:|this code|esto código|este código|explanation:|summary:)`),
}

var codePunctuation = regexp.MustCompile(`[{}()\[\]'":,]`)

// Sanitize strips prose/fences around model-generated code. It is
// idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(output string) string {
	output = extractFirstFence(output)
	lines := strings.Split(output, "\n")
	lines = trimLeadingNarrative(lines)
	lines = trimTrailingNarrative(lines)
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractFirstFence(output string) string {
	m := fencedBlockPattern.FindStringSubmatch(output)
	if m == nil {
		return output
	}
	return m[1]
}

func trimLeadingNarrative(lines []string) []string {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, p := range codeStartPatterns {
			if p.MatchString(trimmed) {
				return lines[i:]
			}
		}
		// Not a recognized code-start line: skip it only if it reads as a
		// prose sentence (ends with a period and has no brackets,
		// parentheses, ';' or '='); otherwise keep everything from here.
		if !looksLikeNarrativeSentence(trimmed) {
			return lines[i:]
		}
	}
	return lines
}

func looksLikeNarrativeSentence(line string) bool {
	return strings.HasSuffix(line, ".") && !strings.ContainsAny(line, "{}()[];=")
}

// trimTrailingNarrative drops trailing lines that match a narrative-lead
// phrase, stopping at the first trailing line that doesn't — a narrative
// line that also contains code punctuation is left alone, since it is
// more likely a comment or string literal than prose.
func trimTrailingNarrative(lines []string) []string {
	end := len(lines)
	for end > 0 {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" {
			end--
			continue
		}
		matched := false
		for _, p := range narrativeLeadPatterns {
			if p.MatchString(trimmed) {
				matched = true
				break
			}
		}
		if !matched || codePunctuation.MatchString(trimmed) {
			break
		}
		end--
	}
	return lines[:end]
}
