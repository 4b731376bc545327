package eventlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedActivity is returned when activity text matches no known form.
var ErrMalformedActivity = errors.New("malformed activity text")

// Kind identifies the action recorded by an event.
type Kind uint8

const (
	// KindUnknown marks activity text that could not be decoded. It is a no-op.
	KindUnknown Kind = iota
	KindTestStarted
	KindQuestionSelected
	KindOptionSelected
	KindOptionCleared
	KindTabSwitched
	KindReturnedToTab
	KindTestSubmitted
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindTestStarted:      "test_started",
	KindQuestionSelected: "question_selected",
	KindOptionSelected:   "option_selected",
	KindOptionCleared:    "option_cleared",
	KindTabSwitched:      "tab_switched",
	KindReturnedToTab:    "returned_to_tab",
	KindTestSubmitted:    "test_submitted",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsBoundary reports whether the kind opens a new attention interval.
func (k Kind) IsBoundary() bool {
	return k == KindTestStarted || k == KindQuestionSelected
}

// Activity is a decoded activity text.
type Activity struct {
	Kind Kind

	// Question is the question index named in the text. The portal
	// numbers questions from zero.
	Question int

	// Option is the option index for KindOptionSelected.
	Option int
}

// Activity text literals produced by the test portal.
const (
	textTestStarted   = "Test Started"
	textTabSwitched   = "Tab Switched"
	textReturnedToTab = "Returned to Test Tab"
	textTestSubmitted = "Submitted Test"
)

// ParseActivity decodes portal activity text into an Activity. Unrecognized
// text yields KindUnknown together with ErrMalformedActivity.
//
// Accepted forms:
//
//	Test Started
//	Selected question {n}
//	Selected option {i} for question {n}
//	Cleared option for question {n}
//	Tab Switched
//	Returned to Test Tab
//	Submitted Test
func ParseActivity(text string) (Activity, error) {
	text = strings.TrimSpace(text)

	switch text {
	case textTestStarted:
		return Activity{Kind: KindTestStarted}, nil
	case textTabSwitched:
		return Activity{Kind: KindTabSwitched}, nil
	case textReturnedToTab:
		return Activity{Kind: KindReturnedToTab}, nil
	case textTestSubmitted:
		return Activity{Kind: KindTestSubmitted}, nil
	}

	fields := strings.Fields(text)
	switch {
	// Selected question {n}
	case len(fields) == 3 && fields[0] == "Selected" && fields[1] == "question":
		q, err := strconv.Atoi(fields[2])
		if err != nil {
			break
		}
		return Activity{Kind: KindQuestionSelected, Question: q}, nil

	// Selected option {i} for question {n}
	case len(fields) == 6 && fields[0] == "Selected" && fields[1] == "option" &&
		fields[3] == "for" && fields[4] == "question":
		opt, err := strconv.Atoi(fields[2])
		if err != nil {
			break
		}
		q, err := strconv.Atoi(fields[5])
		if err != nil {
			break
		}
		return Activity{Kind: KindOptionSelected, Option: opt, Question: q}, nil

	// Cleared option for question {n}
	case len(fields) == 5 && fields[0] == "Cleared" && fields[1] == "option" &&
		fields[2] == "for" && fields[3] == "question":
		q, err := strconv.Atoi(fields[4])
		if err != nil {
			break
		}
		return Activity{Kind: KindOptionCleared, Question: q}, nil
	}

	return Activity{Kind: KindUnknown}, fmt.Errorf("%w: %q", ErrMalformedActivity, text)
}
