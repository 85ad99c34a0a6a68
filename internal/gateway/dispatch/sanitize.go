package dispatch

import (
	"regexp"
	"strconv"
	"strings"
)

// User-facing phrases.
const (
	msgImageRequired    = "Please upload a reference image and try again."
	msgPromptRequired   = "Please enter a prompt and try again."
	msgInvalidNumber    = "One of the numeric settings has an invalid value."
	msgRateLimited      = "Too many requests right now. Please wait a moment and try again."
	msgTimeout          = "Generation took too long. Please try again."
	msgModelUnavailable = "This model is temporarily unavailable. Please try another model."
	msgServiceAuth      = "The generation service is not available right now. Please try again later."
	msgServiceDown      = "The generation service is temporarily unreachable. Please try again shortly."
	msgContentPolicy    = "The request was blocked by the content safety filter. Please adjust your prompt or image."
	msgInvalidRequest   = "Some generation settings are invalid. Please check them and try again."
	msgGeneric          = "Generation failed. Please try again later."
	msgWaitTimeout      = "The generation is still running. Please check back later."
	msgNoCredentials    = msgServiceAuth
)

const maxUserMessageLen = 200

var (
	providerURLPattern  = regexp.MustCompile(`(?i)(?:https?://)?[a-z0-9.-]*replicate\.(?:com|delivery)[^\s"'<>]*`)
	providerNamePattern = regexp.MustCompile(`(?i)replicate`)
	detailPattern       = regexp.MustCompile(`\{[^{}]*"detail"\s*:\s*"((?:[^"\\]|\\.)*)"[^{}]*\}`)
	technicalPattern    = regexp.MustCompile(`(?i)\b[1-5]\d{2}\b|response|request|http`)
)

type phraseRule struct {
	pattern *regexp.Regexp
	kind    Kind
	message string
}

// Evaluated in order; the first match wins.
var phraseRules = []phraseRule{
	{regexp.MustCompile(`nsfw|safety|sensitive|flagged|content policy|inappropriate`), KindContentPolicy, msgContentPolicy},
	{regexp.MustCompile(`invalid (api )?token|unauthenticated|unauthorized|authentication|permission denied|forbidden|\b401\b|\b403\b`), KindAuthConfiguration, msgServiceAuth},
	{regexp.MustCompile(`rate limit|too many requests|throttl|\b429\b`), KindRateLimited, msgRateLimited},
	{regexp.MustCompile(`timeout|timed out|deadline exceeded`), KindTimeout, msgTimeout},
	{regexp.MustCompile(`connection refused|connection reset|econn|socket|network|no such host|\beof\b|fetch failed`), KindProviderUnavailable, msgServiceDown},
	{regexp.MustCompile(`image[^.]*is required|missing[^.]*image|image[^.]*required`), KindValidation, msgImageRequired},
	{regexp.MustCompile(`prompt[^.]*is required|missing[^.]*prompt|prompt[^.]*required`), KindValidation, msgPromptRequired},
	{regexp.MustCompile(`invalid type|expected (a )?(number|integer)|must be (a |an )?(number|integer)|not a valid (number|integer)`), KindValidation, msgInvalidNumber},
	{regexp.MustCompile(`not found|does not exist|\b404\b|unavailable|no longer available|disabled`), KindProviderUnavailable, msgModelUnavailable},
	{regexp.MustCompile(`validation|invalid|is required|must be|\b422\b`), KindValidation, msgInvalidRequest},
}

// Sanitize turns a raw provider error into a short user-safe message and its
// kind. Provider URLs and branding are stripped, a {"detail": ...} fragment is
// reduced to its detail text, and known phrases are mapped to fixed messages.
// Anything still long or technical becomes the generic message.
func Sanitize(raw string) (Kind, string) {
	msg := stripProvider(raw)
	msg = detailPattern.ReplaceAllStringFunc(msg, extractDetail)
	msg = stripProvider(msg)
	msg = strings.Join(strings.Fields(msg), " ")
	msg = strings.Trim(msg, " :;,-")

	lower := strings.ToLower(msg)
	for _, rule := range phraseRules {
		if rule.pattern.MatchString(lower) {
			return rule.kind, rule.message
		}
	}

	if msg == "" || len(msg) > maxUserMessageLen || technicalPattern.MatchString(msg) {
		return KindGeneric, msgGeneric
	}
	return KindGeneric, msg
}

// stripProvider removes provider URLs, then the brand name until none is left
// so that removals cannot splice a new occurrence together.
func stripProvider(s string) string {
	s = providerURLPattern.ReplaceAllString(s, "")
	for providerNamePattern.MatchString(s) {
		s = providerNamePattern.ReplaceAllString(s, "")
	}
	return s
}

func extractDetail(fragment string) string {
	m := detailPattern.FindStringSubmatch(fragment)
	if len(m) < 2 {
		return fragment
	}
	if detail, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
		return detail
	}
	return m[1]
}
