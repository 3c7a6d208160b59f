package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/discount"
	"github.com/Mindburn-Labs/callbridge/pkg/eligibility"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/telephony"
)

// OfferRequest asks for a discount to be issued and delivered. Value zero
// means use the eligibility suggestion.
type OfferRequest struct {
	OrderID     string                `json:"order_id,omitempty"`
	OrderNumber string                `json:"order_number,omitempty"`
	Phone       string                `json:"phone,omitempty"`
	Email       string                `json:"email,omitempty"`
	FirstName   string                `json:"first_name,omitempty"`
	Kind        commerce.DiscountKind `json:"kind,omitempty"`
	Value       float64               `json:"value,omitempty"`
	Channel     notify.Channel        `json:"channel,omitempty"`
	Flow        Flow                  `json:"flow,omitempty"`
	CheckoutURL string                `json:"checkout_url,omitempty"`
	CallID      string                `json:"call_id,omitempty"`
}

// OfferResult reports every stage that ran.
type OfferResult struct {
	Flow       Flow                   `json:"flow"`
	Offered    bool                   `json:"offered"`
	Delivered  bool                   `json:"delivered"`
	OrderID    string                 `json:"order_id,omitempty"`
	Decision   *eligibility.Decision  `json:"decision,omitempty"`
	Discount   *commerce.DiscountCode `json:"discount,omitempty"`
	Receipt    *notify.Receipt        `json:"receipt,omitempty"`
	FollowupID string                 `json:"followup_id,omitempty"`
	Spoken     string                 `json:"spoken"`
}

// OfferDiscount chains resolve, eligibility, delivery preflight, issue,
// dispatch and annotate.
//
// Resolution, preflight and issuance fail closed and return their error; no
// code exists when any of them fails. Ineligible callers get a result with
// Offered false and no error. A delivery failure after issuance returns the dispatch error (a *notify.DispatchError for
// transport failures), opens a follow-up and logs the undelivered code.
func (p *Pipeline) OfferDiscount(ctx context.Context, req OfferRequest) (res *OfferResult, err error) {
	flow, runner, err := p.flow(req.Flow)
	res = &OfferResult{Flow: flow, Spoken: SpokenHandoff}
	if err != nil {
		return res, err
	}
	ctx, done := p.track(ctx, "offer", flow, req.CallID)
	defer func() { done(err) }()
	logger := p.logger.With("flow", flow, "call_id", req.CallID)

	order, err := p.findOrder(ctx, req.OrderID, req.OrderNumber, req.Phone)
	if err != nil {
		return res, fmt.Errorf("resolve order: %w", err)
	}
	c := notify.Contact{Phone: req.Phone, Email: req.Email, FirstName: req.FirstName}
	if order != nil {
		res.OrderID = order.ID
		c.Phone = firstNonEmpty(c.Phone, order.ContactPhone())
		c.Email = firstNonEmpty(c.Email, order.ContactEmail())
		c.FirstName = firstNonEmpty(c.FirstName, order.CustomerFirstName)
	}
	if strings.TrimSpace(c.Phone) == "" && strings.TrimSpace(c.Email) == "" {
		res.Spoken = SpokenNeedContact
		return res, fmt.Errorf("%w: no phone or email for discount", contact.ErrInvalidContact)
	}

	dec := runner.evaluator.Evaluate(ctx, eligibility.Request{Email: c.Email, Phone: c.Phone})
	res.Decision = &dec
	if !dec.Eligible {
		res.Spoken = sinceLine(dec.RecentDiscountAt)
		logger.InfoContext(ctx, "discount declined", "reason", dec.Reason)
		return res, nil
	}
	c.FirstName = firstNonEmpty(c.FirstName, dec.FirstName)

	channel := req.Channel
	if channel == "" || channel == notify.ChannelAuto {
		channel = runner.policy.Channel
	}
	delivery := notify.Request{
		Contact:     c,
		CheckoutURL: req.CheckoutURL,
		Channel:     channel,
		Reference:   req.CallID,
	}
	if _, err := p.dispatcher.Preflight(ctx, delivery); err != nil {
		res.Spoken = preflightLine(err)
		logger.WarnContext(ctx, "discount not issued, delivery cannot succeed", "channel", channel, "error", err)
		return res, err
	}

	value := req.Value
	if value <= 0 {
		value = dec.SuggestedValue
	}
	code, err := runner.issuer.Issue(ctx, discount.Request{
		CustomerEmail: c.Email,
		CustomerPhone: c.Phone,
		FirstName:     c.FirstName,
		Kind:          req.Kind,
		Value:         value,
	})
	if err != nil {
		return res, err
	}
	res.Offered = true
	res.Discount = code
	p.record(ctx, eventlog.KindDiscountIssued, req.CallID, map[string]any{
		"code": code.Code, "kind": code.Kind, "value": code.Value,
		"customer_id": code.CustomerID, "order_id": res.OrderID, "flow": flow,
	})

	delivery.Code = code.Code
	delivery.Value = code.Value
	receipt, err := p.dispatcher.Dispatch(ctx, delivery)
	if err != nil {
		res.Spoken = undeliveredLine(code)
		res.FollowupID = p.undelivered(ctx, req, res, c, err)
		return res, err
	}
	res.Delivered = true
	res.Receipt = receipt
	res.Spoken = deliveredLine(code, receipt.Channel)

	if order != nil {
		note := annotate.DiscountNote(code.Code, code.Value, string(code.Kind), string(receipt.Channel), p.clock())
		if _, aerr := p.annotator.Annotate(ctx, annotate.Request{
			OrderID:    order.ID,
			NoteAppend: note,
			AddTags:    []string{annotate.TagDiscount},
		}); aerr != nil {
			logger.WarnContext(ctx, "discount annotation failed", "order", order.ID, "error", aerr)
		}
	}
	return res, nil
}

// undelivered makes an issued-but-undelivered code traceable: a follow-up
// for a human and an event log entry carrying the code.
func (p *Pipeline) undelivered(ctx context.Context, req OfferRequest, res *OfferResult, c notify.Contact, cause error) string {
	channel := string(req.Channel)
	var de *notify.DispatchError
	if errors.As(cause, &de) {
		channel = string(de.Channel)
	}
	p.record(ctx, eventlog.KindIssuedUndelivered, req.CallID, map[string]any{
		"code": res.Discount.Code, "channel": channel, "order_id": res.OrderID, "error": cause.Error(),
	})
	p.logger.ErrorContext(ctx, "issued code was not delivered",
		"code", res.Discount.Code, "channel", channel, "call_id", req.CallID, "error", cause)

	if p.followups == nil {
		return ""
	}
	it, err := p.followups.Open(ctx, followup.Item{
		Kind:    followup.KindDeliveryFailed,
		OrderID: res.OrderID,
		CallID:  req.CallID,
		Phone:   c.Phone,
		Email:   c.Email,
		Code:    res.Discount.Code,
		Reason:  cause.Error(),
		Details: map[string]string{"channel": channel, "flow": string(res.Flow)},
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "follow-up for undelivered code not recorded", "code", res.Discount.Code, "error", err)
		return ""
	}
	return it.ID
}

// RecoverFromEvent offers a discount after an unhappy call.
func (p *Pipeline) RecoverFromEvent(ctx context.Context, ev *telephony.CallEvent, order *commerce.Order) error {
	req := OfferRequest{
		Phone:  firstNonEmpty(ev.CustomerPhone(), ev.Analysis.CallbackPhone),
		Email:  ev.Analysis.Email,
		CallID: ev.CallID,
	}
	if order != nil {
		req.OrderID = order.ID
	} else {
		req.OrderNumber = ev.Analysis.OrderNumber
	}
	res, err := p.OfferDiscount(ctx, req)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "post-call recovery", "call_id", ev.CallID, "offered", res.Offered, "delivered", res.Delivered)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
