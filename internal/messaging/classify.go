package messaging

import "strings"

// Intent is the classified meaning of an inbound user DM.
type Intent string

const (
	IntentYes    Intent = "yes"
	IntentNo     Intent = "no"
	IntentCancel Intent = "cancel"
	IntentSkip   Intent = "skip"
	IntentSnooze Intent = "snooze"
	IntentCode   Intent = "code"
	IntentText   Intent = "text"
)

// Classify maps an inbound message to an intent. Bare digit runs classify
// as codes; everything unrecognized is free text (credential values arrive
// this way).
func Classify(body string) Intent {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	switch trimmed {
	case "yes", "y", "yes please", "ok", "okay", "sure", "go ahead", "do it":
		return IntentYes
	case "no", "n", "nope":
		return IntentNo
	case "cancel", "stop", "abort", "nevermind", "never mind":
		return IntentCancel
	case "skip":
		return IntentSkip
	case "snooze", "later", "remind me later":
		return IntentSnooze
	}
	if LooksLikeCode(strings.TrimSpace(body)) {
		return IntentCode
	}
	return IntentText
}
