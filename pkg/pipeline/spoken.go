package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
)

// Fallback lines. Each leaves the agent a next step.
const (
	SpokenHandoff        = "I'm sorry, I wasn't able to finish that right now. Let me have someone from our team follow up with you directly."
	SpokenNeedIdentifier = "I couldn't find that order. Could you read me the order number again, or the phone number you used when ordering?"
	SpokenNeedContact    = "I don't have a phone number or email to send that to. What's the best number or email for you?"
	SpokenRecentDiscount = "It looks like a discount was already used on a recent order, so I'm not able to add another one today."
	SpokenOptedOut       = "Since that number is on our do-not-contact list, I won't text it. Is there an email address I can send your code to?"
)

func amount(kind commerce.DiscountKind, value float64) string {
	v := strconv.FormatFloat(value, 'f', -1, 64)
	if kind == commerce.DiscountFixedAmount {
		return "$" + v + " off"
	}
	return v + " percent off"
}

// spellCode spaces out a code so text-to-speech reads it letter by letter.
func spellCode(code string) string {
	parts := make([]string, 0, len(code))
	for _, r := range code {
		if r == '-' {
			parts = append(parts, "dash")
			continue
		}
		parts = append(parts, string(r))
	}
	return strings.Join(parts, " ")
}

func deliveredLine(d *commerce.DiscountCode, ch notify.Channel) string {
	what := amount(d.Kind, d.Value)
	switch ch {
	case notify.ChannelSMS:
		return fmt.Sprintf("Done! I just texted you a code for %s. It's %s.", what, spellCode(d.Code))
	case notify.ChannelEmail:
		return fmt.Sprintf("Done! I just emailed you a code for %s. It's %s.", what, spellCode(d.Code))
	default:
		return fmt.Sprintf("Done! You'll receive a code for %s shortly. It's %s.", what, spellCode(d.Code))
	}
}

func preflightLine(err error) string {
	switch {
	case errors.Is(err, notify.ErrOptedOut):
		return SpokenOptedOut
	case errors.Is(err, contact.ErrInvalidContact):
		return SpokenNeedContact
	}
	return SpokenHandoff
}

func undeliveredLine(d *commerce.DiscountCode) string {
	return fmt.Sprintf("I created a code for %s, but I couldn't send it to you just now. It's %s. Someone from our team will follow up to make sure you get it.",
		amount(d.Kind, d.Value), spellCode(d.Code))
}

func eligibleLine(value float64, reason string) string {
	if reason == "new_customer" {
		return fmt.Sprintf("Good news, as a new customer you qualify for %s.", amount(commerce.DiscountPercentage, value))
	}
	return fmt.Sprintf("Good news, you qualify for %s.", amount(commerce.DiscountPercentage, value))
}

// orderLine describes a found order. A phone match is the caller's most
// recent order, which they never named, so it is introduced as such.
func orderLine(o *commerce.Order, method resolver.Method) string {
	var b strings.Builder
	if method == resolver.MethodPhone {
		fmt.Fprintf(&b, "I found your most recent order, %s, placed on %s", o.Name, o.CreatedAt.Format("January 2"))
	} else {
		fmt.Fprintf(&b, "I found order %s, placed on %s", o.Name, o.CreatedAt.Format("January 2"))
	}
	switch n := len(o.LineItems); n {
	case 0:
	case 1:
		fmt.Fprintf(&b, ", for %s", o.LineItems[0].Title)
	default:
		fmt.Fprintf(&b, ", with %d items including %s", n, o.LineItems[0].Title)
	}
	b.WriteString(". ")
	switch {
	case o.Delivered():
		b.WriteString("It has been shipped.")
	case o.FulfillmentStatus == "partial":
		b.WriteString("Part of it has shipped.")
	default:
		b.WriteString("It hasn't shipped yet.")
	}
	return b.String()
}

func ticketLine(kind string, o *commerce.Order) string {
	return fmt.Sprintf("I've filed a %s request for order %s. Our team will reach out within one business day.", kind, o.Name)
}

func sinceLine(at *time.Time) string {
	if at == nil {
		return SpokenRecentDiscount
	}
	return fmt.Sprintf("It looks like a discount was already used on your order from %s, so I'm not able to add another one today.", at.Format("January 2"))
}
