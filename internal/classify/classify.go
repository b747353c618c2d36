// Package classify implements the pre-routing classifier that decides, for a
// given inference request, whether it belongs on the media route or the text
// route, and whether a text request should escalate directly to the premium
// provider. It runs before any provider call and never itself fails.
package classify

import "strings"

// Route identifies which provider family handles a request.
type Route string

const (
	RouteText  Route = "text"
	RouteMedia Route = "media"
)

// Reason values mirror the original router's classification reasons; every
// Classification carries exactly one of them.
const (
	ReasonMediaDetected    = "media_detected"
	ReasonRiskOrPolicy     = "risk_or_policy_prompt"
	ReasonDefaultTextRoute = "default_text_route"
)

// escalationKeywords trigger a direct escalation to the premium text
// provider — topics where a cheaper model's mistakes carry outsized risk.
var escalationKeywords = [...]string{
	"legal",
	"medical",
	"compliance",
	"contract",
	"regulated",
	"breach",
	"incident response",
	"security policy",
}

// mediaKeywords route a prompt to the media provider even when no media_url
// or metadata flag is present.
var mediaKeywords = [...]string{
	"image",
	"video",
	"audio",
	"transcribe",
	"voice note",
	"speech",
}

// Request is the subset of an inference request the classifier inspects.
type Request struct {
	Prompt   string
	MediaURL string
	Metadata map[string]any
}

// Classification is the classifier's verdict for a request.
type Classification struct {
	Route             Route
	EscalateToPremium bool
	Reason            string
}

// Classify inspects req and returns its routing classification. It never
// errors: an unrecognized or empty prompt simply falls through to the
// default text route.
func Classify(req Request) Classification {
	prompt := strings.ToLower(req.Prompt)

	hasMedia := req.MediaURL != ""
	if !hasMedia {
		if v, ok := req.Metadata["is_media"]; ok {
			hasMedia = truthy(v)
		}
	}
	if !hasMedia {
		hasMedia = containsAny(prompt, mediaKeywords[:])
	}

	if hasMedia {
		return Classification{Route: RouteMedia, EscalateToPremium: false, Reason: ReasonMediaDetected}
	}

	escalate := false
	if v, ok := req.Metadata["escalate_to_claude"]; ok {
		escalate = truthy(v)
	}
	if !escalate {
		escalate = containsAny(prompt, escalationKeywords[:])
	}

	reason := ReasonDefaultTextRoute
	if escalate {
		reason = ReasonRiskOrPolicy
	}
	return Classification{Route: RouteText, EscalateToPremium: escalate, Reason: reason}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// truthy mirrors Python's bool() coercion for the handful of JSON value
// shapes metadata fields can take (bool, string, number).
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}
