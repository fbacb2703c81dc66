package pipeline

import (
	"regexp"
	"strings"
)

// TriggerContext is the small string map a module's trigger pattern is
// evaluated against.
type TriggerContext map[string]string

const (
	TriggerLastUserMessage = "last_user_message"
	TriggerLastAIMessage   = "last_ai_message"
)

// matchesTrigger applies the trigger pattern to the last user and AI
// messages, case-insensitively. Empty and "*" always match. Patterns
// containing "|" are tried as a regex first, then as pipe-separated
// substrings. Other patterns are tried as a regex, then as plain
// substring containment. Invalid regexes never fail the pipeline.
func matchesTrigger(pattern string, tc TriggerContext) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	subject := strings.ToLower(tc[TriggerLastUserMessage] + "\n" + tc[TriggerLastAIMessage])

	if rx, err := regexp.Compile("(?i)" + pattern); err == nil {
		return rx.MatchString(subject)
	}

	if strings.Contains(pattern, "|") {
		for _, alt := range strings.Split(pattern, "|") {
			alt = strings.ToLower(strings.TrimSpace(alt))
			if alt != "" && strings.Contains(subject, alt) {
				return true
			}
		}
		return false
	}

	return strings.Contains(subject, strings.ToLower(pattern))
}
