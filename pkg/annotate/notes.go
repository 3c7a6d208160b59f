package annotate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const stampLayout = "2006-01-02 15:04 MST"

func stamp(label string, at time.Time) string {
	return "[" + label + " " + at.UTC().Format(stampLayout) + "]"
}

// Feedback is post-call satisfaction data.
type Feedback struct {
	Score   int // 1-5, 0 when unknown
	Comment string
	CallID  string
}

// FeedbackNote renders a satisfaction note.
func FeedbackNote(f Feedback, at time.Time) string {
	var b strings.Builder
	b.WriteString(stamp("Call feedback", at))
	if f.Score > 0 {
		b.WriteString(" score " + strconv.Itoa(f.Score) + "/5")
	}
	if c := strings.TrimSpace(f.Comment); c != "" {
		b.WriteString(": " + c)
	}
	if f.CallID != "" {
		b.WriteString(" (call " + f.CallID + ")")
	}
	return b.String()
}

// IssueKind classifies a reported problem.
type IssueKind string

const (
	IssueReplacement IssueKind = "replacement"
	IssueRefund      IssueKind = "refund"
	IssueOther       IssueKind = "other"
)

// Issue is a problem reported during a call.
type Issue struct {
	Kind        IssueKind
	Description string
	Items       []string
	CallID      string
}

// Tags returns the tags an issue adds to the order.
func (i Issue) Tags() []string {
	tags := []string{TagIssue}
	switch i.Kind {
	case IssueReplacement:
		tags = append(tags, TagReplacementRequested)
	case IssueRefund:
		tags = append(tags, TagRefundRequested)
	}
	return tags
}

// IssueNote renders an issue report.
func IssueNote(i Issue, at time.Time) string {
	kind := i.Kind
	if kind == "" {
		kind = IssueOther
	}
	var b strings.Builder
	b.WriteString(stamp("Call issue", at))
	b.WriteString(" " + string(kind))
	if len(i.Items) > 0 {
		b.WriteString(" for " + strings.Join(i.Items, ", "))
	}
	if d := strings.TrimSpace(i.Description); d != "" {
		b.WriteString(": " + d)
	}
	if i.CallID != "" {
		b.WriteString(" (call " + i.CallID + ")")
	}
	return b.String()
}

// OptOutNote records a do-not-call request.
func OptOutNote(phone string, at time.Time) string {
	return fmt.Sprintf("%s customer asked not to be called again at %s", stamp("Do not call", at), phone)
}

// DiscountNote records an issued code and where it was sent.
func DiscountNote(code string, value float64, kind, channel string, at time.Time) string {
	amount := strconv.FormatFloat(value, 'f', -1, 64)
	if kind == "percentage" {
		amount += "%"
	} else {
		amount = "$" + amount
	}
	note := fmt.Sprintf("%s %s off, code %s", stamp("Call discount", at), amount, code)
	if channel != "" {
		note += " sent via " + channel
	}
	return note
}
