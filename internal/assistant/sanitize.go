package assistant

import (
	"regexp"
	"strings"
)

// injectionPatterns flag a message as a prompt injection attempt.
var injectionPatterns = []string{
	"system prompt",
	"you are no longer",
	"you are now",
	"ignore previous",
	"ignore all previous",
	"ignore your instructions",
	"disregard previous",
	"new instructions",
	"system:",
	"[system",
	"<system",
	"assistant:",
	"[assistant",
	"your role is",
	"forget everything",
	"forget all",
	"jailbreak",
	"dan mode",
	"developer mode",
	"god mode",
	"sudo mode",
	"admin mode",
	"new persona",
	"new character",
	"act as",
	"pretend to be",
	"you're actually",
	"in reality you are",
	"rot13",
	"base64",
	"execute:",
	"eval(",
	"<script",
	"javascript:",
}

// dangerousPhrases are cut out of user text before it reaches the model.
var dangerousPhrases = []string{
	"system prompt", "system:", "[system", "<system", "</system>",
	"assistant:", "[assistant", "<assistant", "</assistant>",
	"you are now", "you are no longer",
	"ignore previous", "ignore all previous", "ignore your instructions", "disregard previous",
	"new instructions", "forget everything", "forget all",
	"jailbreak", "dan mode", "developer mode", "god mode", "sudo mode", "admin mode",
	"prompt injection", "new persona", "new character", "new role",
	"act as", "pretend to be", "pretend you are", "simulate being",
	"you're actually", "in reality you are", "your role is",
	"from now on", "starting now", "override",
	"execute:", "run:", "eval(", "console.log", "print(",
	"base64", "rot13", "decode:", "encode:",
	"<script", "javascript:",
	"---end---", "[end]", "<end>",
}

var (
	dangerousRe  = compilePhrases(dangerousPhrases)
	repeatedRe   = regexp.MustCompile(`#{3,}|-{3,}|={3,}`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	bracketStrip = strings.NewReplacer("```", "", "`", "", "[", "", "]", "", "<", "", ">", "")
)

func compilePhrases(phrases []string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
}

// DetectInjection reports whether text looks like an attempt to rewrite
// the model's instructions.
func DetectInjection(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range injectionPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Filter strips instruction-like phrases and formatting tricks.
func Filter(text string) string {
	out := dangerousRe.ReplaceAllString(text, "")
	out = bracketStrip.Replace(out)
	out = repeatedRe.ReplaceAllString(out, "")
	out = whitespaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// Sanitize filters text and reports whether it should be treated as an
// injection: a pattern matched, or filtering removed more than half of a
// longer message.
func Sanitize(text string) (string, bool) {
	injected := DetectInjection(text)
	filtered := Filter(text)
	if DetectInjection(filtered) {
		injected = true
	}
	before := len(strings.Fields(text))
	after := len(strings.Fields(filtered))
	if before > 3 && after < before/2 {
		injected = true
	}
	return filtered, injected
}
