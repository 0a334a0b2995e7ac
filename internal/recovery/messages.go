package recovery

import (
	"errors"
	"regexp"
	"strings"

	"github.com/lalithlochan/formsync/internal/apperr"
)

var userMessages = map[int]string{
	400: "The integration rejected the request as invalid. Check the field mappings for this form.",
	401: "Authentication with the integration failed. Check the API key.",
	403: "The integration denied access to this resource.",
	404: "The target list could not be found.",
	405: "The integration does not allow this operation.",
	408: "The integration did not respond in time.",
	409: "The subscriber conflicts with an existing record.",
	410: "The target list no longer exists.",
	413: "The submission is too large for the integration.",
	422: "The integration could not process the submitted data.",
	429: "Too many requests were sent to the integration.",
	500: "The integration reported an internal error.",
	501: "The integration does not support this operation.",
	502: "The integration returned an invalid response.",
	503: "The integration is temporarily unavailable.",
	504: "The integration gateway timed out.",
}

// UserMessage returns a message that is safe to show an operator.
// Known status codes map to a fixed text; anything else falls back to
// the redacted error message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[StatusCode(err)]; ok {
		return msg
	}

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.KindFatal && ae.Message != "" {
		return Redact(ae.Message)
	}
	return Redact(err.Error())
}

const redacted = "[REDACTED]"

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Authorization: Bearer abc / Basic abc
	{regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9\-._~+/]+=*`), "${1} " + redacted},
	// Mailchimp-style keys: <32 hex>-us12
	{regexp.MustCompile(`\b[0-9a-fA-F]{32}-us[0-9]{1,2}\b`), redacted},
	// Stripe-style keys
	{regexp.MustCompile(`\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]+`), redacted},
	// key=value pairs in query strings and form bodies
	{regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|access[_-]?token|token|secret|password|key)=[^&\s"']+`), "${1}=" + redacted},
	// "api_key": "value" in JSON bodies
	{regexp.MustCompile(`(?i)("(?:api[_-]?key|apikey|access[_-]?token|token|secret|password|authorization)"\s*:\s*)"[^"]*"`), `${1}"` + redacted + `"`},
}

// Redact masks credentials that may appear in raw error text.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return strings.TrimSpace(s)
}
