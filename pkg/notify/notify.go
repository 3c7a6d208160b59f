// Package notify delivers an issued code to the contact through exactly one
// channel.
//
// Preflight rejects deliveries that cannot succeed before a code is minted.
// Transport failures are returned as *DispatchError and never retried here:
// the code is already minted, so the caller must see the failure and hand off
// to a human.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/mailer"
	"github.com/Mindburn-Labs/callbridge/pkg/marketing"
	"github.com/Mindburn-Labs/callbridge/pkg/sms"
)

// Channel selects the delivery transport.
type Channel string

const (
	ChannelAuto  Channel = "auto"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelEvent Channel = "event"
)

// ParseChannel maps user input to a Channel; empty means auto.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case "", ChannelAuto:
		return ChannelAuto, nil
	case ChannelEmail, ChannelSMS, ChannelEvent:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// ErrChannelUnavailable is wrapped when no transport is configured for the
// selected channel.
var ErrChannelUnavailable = errors.New("channel not configured")

// ErrOptedOut is wrapped when the contact's phone is on the do-not-call list
// and no other channel can reach them.
var ErrOptedOut = errors.New("contact opted out")

// Blocklist reports phones that must never be messaged. dnc.Registry
// satisfies it.
type Blocklist interface {
	Contains(ctx context.Context, phone string) (bool, error)
}

// DispatchError reports a failed delivery of a code that was already issued.
type DispatchError struct {
	Channel Channel
	Code    string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s via %s: %v", e.Code, e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Contact is the recipient.
type Contact struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Request is one delivery.
type Request struct {
	Contact     Contact `json:"contact"`
	Code        string  `json:"code"`
	Value       float64 `json:"value,omitempty"`
	RecoveryURL string  `json:"recovery_url,omitempty"`
	CheckoutURL string  `json:"checkout_url,omitempty"`
	Channel     Channel `json:"channel,omitempty"`
	// Reference links the delivery to its call for the marketing sink.
	Reference string `json:"reference,omitempty"`
}

// Receipt describes a delivery. For ChannelEvent, Delivered means the sink
// accepted the event; final delivery is not observable.
type Receipt struct {
	Delivered   bool    `json:"delivered"`
	Channel     Channel `json:"channel"`
	Reference   string  `json:"reference,omitempty"`
	RecoveryURL string  `json:"recovery_url"`
}

// Config holds message and link settings.
type Config struct {
	StorefrontURL string
	UTM           UTM
	FromEmail     string
	Subject       string
	// EventMetric is the metric name flows in the marketing platform trigger on.
	EventMetric string
}

// Dispatcher routes codes to transports. Any transport may be nil; choosing a
// channel whose transport is nil fails with ErrChannelUnavailable.
type Dispatcher struct {
	mail    mailer.Sender
	sms     sms.Sender
	sink    marketing.Sink
	blocked Blocklist
	cfg     Config
	logger  *slog.Logger
}

// New creates a dispatcher.
func New(mail mailer.Sender, text sms.Sender, sink marketing.Sink, cfg Config) *Dispatcher {
	if cfg.UTM == (UTM{}) {
		cfg.UTM = DefaultUTM()
	}
	if cfg.Subject == "" {
		cfg.Subject = "Your discount code"
	}
	if cfg.EventMetric == "" {
		cfg.EventMetric = "Call Discount Issued"
	}
	return &Dispatcher{
		mail:   mail,
		sms:    text,
		sink:   sink,
		cfg:    cfg,
		logger: slog.Default().With("component", "notify"),
	}
}

// WithBlocklist makes every delivery consult b. A phone on the list is never
// texted or handed to the marketing platform.
func (d *Dispatcher) WithBlocklist(b Blocklist) *Dispatcher {
	d.blocked = b
	return d
}

// Plan is a delivery that passed Preflight.
type Plan struct {
	Channel Channel
	// Contact is the recipient with any blocked phone removed.
	Contact Contact
}

// Preflight checks everything a delivery needs except the code itself: the
// do-not-call list, the channel and its contact field, the transport and the
// link inputs. After a nil error only the transport call can fail, so callers
// run it before minting a code.
//
// A blocked phone is dropped from the contact and an SMS preference falls
// back to email. With nothing left to reach, the error wraps ErrOptedOut.
func (d *Dispatcher) Preflight(ctx context.Context, req Request) (Plan, error) {
	c := req.Contact
	pref := req.Channel
	optedOut := false
	if d.blocked != nil && validPhone(c.Phone) != "" {
		hit, err := d.blocked.Contains(ctx, c.Phone)
		if err != nil {
			return Plan{}, fmt.Errorf("notify: do-not-call check: %w", err)
		}
		if hit {
			optedOut = true
			c.Phone = ""
			if pref == ChannelSMS {
				pref = ChannelAuto
			}
		}
	}

	ch, err := SelectChannel(pref, c)
	if err != nil {
		if optedOut && errors.Is(err, contact.ErrInvalidContact) {
			return Plan{}, fmt.Errorf("%w: phone is on the do-not-call list and no email is known", ErrOptedOut)
		}
		return Plan{}, err
	}
	if optedOut {
		d.logger.InfoContext(ctx, "phone on do-not-call list, using another channel", "channel", ch)
	}

	if !d.hasTransport(ch) {
		return Plan{}, fmt.Errorf("%w: %s", ErrChannelUnavailable, ch)
	}
	if req.RecoveryURL == "" {
		if _, err := BuildRecoveryURL(d.cfg.StorefrontURL, req.CheckoutURL, "", d.cfg.UTM); err != nil {
			return Plan{}, err
		}
	}
	return Plan{Channel: ch, Contact: c}, nil
}

func (d *Dispatcher) hasTransport(ch Channel) bool {
	switch ch {
	case ChannelSMS:
		return d.sms != nil
	case ChannelEmail:
		return d.mail != nil
	case ChannelEvent:
		return d.sink != nil
	}
	return false
}

// SelectChannel applies the channel policy: explicit email/sms/event need the
// matching contact field; auto prefers SMS when a phone is present, then
// email. Missing contact data fails with contact.ErrInvalidContact.
func SelectChannel(pref Channel, c Contact) (Channel, error) {
	phone := validPhone(c.Phone)
	email := validEmail(c.Email)

	switch pref {
	case ChannelSMS:
		if phone == "" {
			return "", fmt.Errorf("%w: sms requested without a phone", contact.ErrInvalidContact)
		}
		return ChannelSMS, nil
	case ChannelEmail:
		if email == "" {
			return "", fmt.Errorf("%w: email requested without an address", contact.ErrInvalidContact)
		}
		return ChannelEmail, nil
	case ChannelEvent:
		if phone == "" && email == "" {
			return "", fmt.Errorf("%w: event requires an email or phone", contact.ErrInvalidContact)
		}
		return ChannelEvent, nil
	case ChannelAuto, "":
		switch {
		case phone != "":
			return ChannelSMS, nil
		case email != "":
			return ChannelEmail, nil
		}
		return "", fmt.Errorf("%w: no phone or email", contact.ErrInvalidContact)
	default:
		return "", fmt.Errorf("unknown channel %q", pref)
	}
}

// Dispatch delivers req.Code. Preflight failures return plain errors;
// transport failures return *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Receipt, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, errors.New("notify: code is required")
	}
	plan, err := d.Preflight(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := plan.Channel
	req.Contact = plan.Contact

	link := req.RecoveryURL
	if link == "" {
		link, err = BuildRecoveryURL(d.cfg.StorefrontURL, req.CheckoutURL, req.Code, d.cfg.UTM)
		if err != nil {
			return nil, err
		}
	}

	var ref string
	switch ch {
	case ChannelSMS:
		ref, err = d.sendSMS(ctx, req, link)
	case ChannelEmail:
		ref, err = d.sendEmail(ctx, req, link)
	case ChannelEvent:
		ref, err = d.sendEvent(ctx, req, link)
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "dispatch failed", "channel", ch, "code", req.Code, "error", err)
		return nil, &DispatchError{Channel: ch, Code: req.Code, Err: err}
	}

	d.logger.InfoContext(ctx, "code dispatched", "channel", ch, "code", req.Code, "reference", ref)
	return &Receipt{Delivered: true, Channel: ch, Reference: ref, RecoveryURL: link}, nil
}

func (d *Dispatcher) sendSMS(ctx context.Context, req Request, link string) (string, error) {
	return d.sms.Send(ctx, req.Contact.Phone, smsBody(req, link))
}

func (d *Dispatcher) sendEmail(ctx context.Context, req Request, link string) (string, error) {
	email, _ := contact.NormalizeEmail(req.Contact.Email)
	text, html := emailBodies(req, link)
	return d.mail.Send(ctx, mailer.Message{
		From:    d.cfg.FromEmail,
		To:      []string{email},
		Subject: d.cfg.Subject,
		Text:    text,
		HTML:    html,
		Headers: map[string]string{"X-Discount-Code": req.Code},
	})
}

func (d *Dispatcher) sendEvent(ctx context.Context, req Request, link string) (string, error) {
	ev := marketing.Event{
		Metric: d.cfg.EventMetric,
		Profile: marketing.Profile{
			Email:     validEmail(req.Contact.Email),
			Phone:     validPhone(req.Contact.Phone),
			FirstName: req.Contact.FirstName,
		},
		Properties: map[string]any{
			"discount_code": req.Code,
			"recovery_url":  link,
		},
		UniqueID: req.Reference,
	}
	if req.Value > 0 {
		ev.Properties["discount_value"] = req.Value
	}
	if err := d.sink.TrackEvent(ctx, ev); err != nil {
		return "", err
	}
	return req.Reference, nil
}

func greeting(c Contact) string {
	if c.FirstName != "" {
		return "Hi " + c.FirstName
	}
	return "Hi"
}

func smsBody(req Request, link string) string {
	return fmt.Sprintf("%s, here is your discount code %s. Use it here: %s", greeting(req.Contact), req.Code, link)
}

func emailBodies(req Request, link string) (string, string) {
	text := fmt.Sprintf("%s,\n\nThanks for speaking with us. Your discount code is %s.\n\nRedeem it here: %s\n", greeting(req.Contact), req.Code, link)
	body := fmt.Sprintf(`<p>%s,</p><p>Thanks for speaking with us. Your discount code is <strong>%s</strong>.</p><p><a href="%s">Redeem your code</a></p>`,
		html.EscapeString(greeting(req.Contact)), html.EscapeString(req.Code), html.EscapeString(link))
	return text, body
}

func validPhone(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	p, err := contact.NormalizePhone(raw)
	if err != nil || len(contact.DigitsOnly(p)) < 10 {
		return ""
	}
	return p
}

func validEmail(raw string) string {
	e, err := contact.NormalizeEmail(raw)
	if err != nil {
		return ""
	}
	return e
}
