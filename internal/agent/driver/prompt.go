package driver

import (
	"regexp"
	"strings"
)

// promptPatterns match interactive prompts the worker may block on. The last
// non-empty line of a chunk ending with a question mark is the fallback.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Would you like`),
	regexp.MustCompile(`Continue\?`),
	regexp.MustCompile(`\[Y/n\]`),
	regexp.MustCompile(`\[y/N\]`),
	regexp.MustCompile(`\(y/n\)`),
	regexp.MustCompile(`Press Enter`),
	regexp.MustCompile(`Do you want`),
}

// detectPrompt reports whether an output chunk looks like a blocking prompt,
// returning the matching line.
func detectPrompt(chunk string) (string, bool) {
	for _, re := range promptPatterns {
		if loc := re.FindStringIndex(chunk); loc != nil {
			return promptLine(chunk, loc[0]), true
		}
	}
	trimmed := strings.TrimRight(chunk, " \t\r\n")
	if strings.HasSuffix(trimmed, "?") {
		if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		return strings.TrimSpace(trimmed), true
	}
	return "", false
}

// promptLine extracts the line containing offset.
func promptLine(chunk string, offset int) string {
	start := strings.LastIndex(chunk[:offset], "\n") + 1
	end := strings.Index(chunk[offset:], "\n")
	if end < 0 {
		end = len(chunk)
	} else {
		end += offset
	}
	return strings.TrimSpace(chunk[start:end])
}
