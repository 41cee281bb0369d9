package engine

import (
	"regexp"
	"strings"
)

// knownExtensions bounds the fallback whole-document scan to plausible
// source/config file suffixes, so prose like "e.g." or "etc." never gets
// mistaken for a path.
var knownExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".cs": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".sql": true, ".sh": true, ".proto": true,
	".html": true, ".css": true, ".scss": true, ".graphql": true, ".txt": true,
}

var filesHeadingPattern = regexp.MustCompile(`(?im)^#{1,6}\s*files\s+to\s+(create|create/modify|create\s+or\s+modify|modify)\s*$`)

// listItemPatterns match a single "Files to Create" list entry, tried in
// order: **`path`**: description, `path`: description, path.ext: description.
var listItemPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?m)^\\s*[-*]\\s*\\*\\*`([^`]+)`\\*\\*\\s*:?\\s*(.*)$"),
	regexp.MustCompile("(?m)^\\s*[-*]\\s*`([^`]+)`\\s*:?\\s*(.*)$"),
	regexp.MustCompile(`(?m)^\s*[-*]\s*([a-zA-Z0-9_\-./]+\.[a-zA-Z0-9]+)\s*:\s*(.*)$`),
}

// wholeDocumentTokenPattern is the fallback scan for bare name.ext tokens.
var wholeDocumentTokenPattern = regexp.MustCompile(`\b([a-zA-Z0-9_\-./]+\.[a-zA-Z0-9]+)\b`)

// ParsePlan extracts an ordered, deduplicated list of File Descriptors from
// Architect plan text. Pure function: the same plan text always yields the
// same descriptor list.
func ParsePlan(planText string) []FileDescriptor {
	descriptors := parseFilesHeadingSection(planText)
	if len(descriptors) == 0 {
		descriptors = parseWholeDocumentTokens(planText)
	}
	return dedupeByBasename(descriptors)
}

// parseFilesHeadingSection implements extraction strategy 1: locate the
// "Files to Create" heading and scan the list items beneath it until the
// next heading of equal-or-higher level.
func parseFilesHeadingSection(planText string) []FileDescriptor {
	loc := filesHeadingPattern.FindStringIndex(planText)
	if loc == nil {
		return nil
	}

	rest := planText[loc[1]:]
	if nextHeading := regexp.MustCompile(`(?m)^#{1,6}\s+\S`).FindStringIndex(rest); nextHeading != nil {
		rest = rest[:nextHeading[0]]
	}

	var descriptors []FileDescriptor
	for _, pattern := range listItemPatterns {
		matches := pattern.FindAllStringSubmatch(rest, -1)
		for _, m := range matches {
			path := strings.TrimSpace(m[1])
			desc := strings.TrimSpace(m[2])
			if !hasKnownExtension(path) {
				continue
			}
			descriptors = append(descriptors, FileDescriptor{RelativePath: path, HumanDescription: desc})
		}
		if len(descriptors) > 0 {
			break
		}
	}
	return descriptors
}

// parseWholeDocumentTokens implements extraction strategy 2: scan the
// entire plan for name.ext tokens, emitting each exactly once in
// first-seen order.
func parseWholeDocumentTokens(planText string) []FileDescriptor {
	var descriptors []FileDescriptor
	seen := make(map[string]bool)
	for _, m := range wholeDocumentTokenPattern.FindAllString(planText, -1) {
		if !hasKnownExtension(m) || seen[m] {
			continue
		}
		seen[m] = true
		descriptors = append(descriptors, FileDescriptor{
			RelativePath:     m,
			HumanDescription: "extracted from plan",
		})
	}
	return descriptors
}

func hasKnownExtension(path string) bool {
	idx := strings.LastIndex(path, ".")
	if idx == -1 || idx == len(path)-1 {
		return false
	}
	return knownExtensions[strings.ToLower(path[idx:])]
}

// dedupeByBasename keeps the first occurrence of each final path
// component, preserving overall order.
func dedupeByBasename(descriptors []FileDescriptor) []FileDescriptor {
	seen := make(map[string]bool)
	out := make([]FileDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		base := basename(d.RelativePath)
		if seen[base] {
			continue
		}
		seen[base] = true
		out = append(out, d)
	}
	return out
}

func basename(path string) string {
	idx := strings.LastIndexAny(path, "/\\")
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}
