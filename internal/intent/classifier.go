package intent

import "strings"

// Intent is the reading of a reply to a confirmation prompt.
type Intent string

const (
	Yes     Intent = "yes"
	No      Intent = "no"
	Unclear Intent = "unclear"
)

var affirmative = []string{"yes", "y", "yeah", "yep", "ok", "okay", "sure", "go ahead", "do it", "please", "yea", "ow"}

var negative = []string{"no", "n", "nah", "nope", "cancel", "skip", "never mind", "nevermind", "don't", "dont", "stop"}

// Classify maps a free-text reply onto yes, no or unclear. A word matches when it
// is the whole reply or is followed by a space, comma or period.
func Classify(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Unclear
	}
	if matchesAny(t, affirmative) {
		return Yes
	}
	if matchesAny(t, negative) {
		return No
	}
	return Unclear
}

func matchesAny(t string, vocab []string) bool {
	for _, w := range vocab {
		if t == w {
			return true
		}
		if len(t) > len(w) && strings.HasPrefix(t, w) {
			switch t[len(w)] {
			case ' ', ',', '.':
				return true
			}
		}
	}
	return false
}
