package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/eligibility"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
)

// OrderSummary is what the agent may read back about an order.
type OrderSummary struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	PlacedAt          string   `json:"placed_at"`
	FulfillmentStatus string   `json:"fulfillment_status,omitempty"`
	Items             []string `json:"items,omitempty"`
	Total             float64  `json:"total"`
	FirstName         string   `json:"first_name,omitempty"`
}

func summarize(o *commerce.Order) *OrderSummary {
	s := &OrderSummary{
		ID:                o.ID,
		Name:              o.Name,
		PlacedAt:          o.CreatedAt.UTC().Format("2006-01-02"),
		FulfillmentStatus: o.FulfillmentStatus,
		Total:             o.TotalPrice,
		FirstName:         o.CustomerFirstName,
	}
	for _, li := range o.LineItems {
		title := li.Title
		if li.VariantTitle != "" {
			title += " (" + li.VariantTitle + ")"
		}
		if li.Quantity > 1 {
			title = fmt.Sprintf("%d x %s", li.Quantity, title)
		}
		s.Items = append(s.Items, title)
	}
	return s
}

// LookupRequest identifies an order.
type LookupRequest struct {
	OrderNumber string `json:"order_number,omitempty"`
	Phone       string `json:"phone,omitempty"`
	CallID      string `json:"call_id,omitempty"`
}

// LookupResult is a found order.
type LookupResult struct {
	Found  bool            `json:"found"`
	Method resolver.Method `json:"method,omitempty"`
	Order  *OrderSummary   `json:"order,omitempty"`
	Spoken string          `json:"spoken"`
}

// LookupOrder resolves an order and describes it.
func (p *Pipeline) LookupOrder(ctx context.Context, req LookupRequest) (res *LookupResult, err error) {
	ctx, done := p.track(ctx, "lookup", "", req.CallID)
	defer func() { done(err) }()

	res = &LookupResult{Spoken: SpokenNeedIdentifier}
	found, err := p.resolver.ResolveOrder(ctx, resolver.Query{OrderNumber: req.OrderNumber, Phone: req.Phone})
	if err != nil {
		if !errors.Is(err, resolver.ErrNotFound) {
			res.Spoken = SpokenHandoff
		}
		return res, err
	}
	res.Found = true
	res.Method = found.Method
	res.Order = summarize(&found.Order)
	res.Spoken = orderLine(&found.Order, found.Method)
	return res, nil
}

// EligibilityRequest identifies the contact to score.
type EligibilityRequest struct {
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Flow   Flow   `json:"flow,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

// EligibilityResult wraps a decision.
type EligibilityResult struct {
	Flow     Flow                 `json:"flow"`
	Decision eligibility.Decision `json:"decision"`
	Spoken   string               `json:"spoken"`
}

// CheckEligibility scores a contact without issuing anything. Backend
// failures degrade to the default tier.
func (p *Pipeline) CheckEligibility(ctx context.Context, req EligibilityRequest) (*EligibilityResult, error) {
	flow, runner, err := p.flow(req.Flow)
	if err != nil {
		return &EligibilityResult{Flow: flow, Spoken: SpokenHandoff}, err
	}
	ctx, done := p.track(ctx, "eligibility", flow, req.CallID)
	defer done(nil)

	dec := runner.evaluator.Evaluate(ctx, eligibility.Request{Email: req.Email, Phone: req.Phone})
	res := &EligibilityResult{Flow: flow, Decision: dec}
	if dec.Eligible {
		res.Spoken = eligibleLine(dec.SuggestedValue, string(dec.Reason))
	} else {
		res.Spoken = sinceLine(dec.RecentDiscountAt)
	}
	return res, nil
}

// FeedbackRequest is a satisfaction report for an order.
type FeedbackRequest struct {
	OrderNumber string `json:"order_number,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Score       int    `json:"score"`
	Comment     string `json:"comment,omitempty"`
	CallID      string `json:"call_id,omitempty"`
}

// NoteResult reports an annotated order.
type NoteResult struct {
	OrderID   string   `json:"order_id,omitempty"`
	OrderName string   `json:"order_name,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Spoken    string   `json:"spoken"`
}

// CaptureFeedback appends a satisfaction note to the caller's order.
func (p *Pipeline) CaptureFeedback(ctx context.Context, req FeedbackRequest) (res *NoteResult, err error) {
	ctx, done := p.track(ctx, "feedback", "", req.CallID)
	defer func() { done(err) }()

	res = &NoteResult{Spoken: SpokenHandoff}
	if req.Score < 1 || req.Score > 5 {
		res.Spoken = "Sorry, on a scale of one to five, how would you rate your experience?"
		return res, fmt.Errorf("score %d is outside 1-5", req.Score)
	}
	order, err := p.findOrder(ctx, "", req.OrderNumber, req.Phone)
	if err != nil {
		return res, err
	}
	if order == nil {
		res.Spoken = SpokenNeedIdentifier
		return res, resolver.ErrNotFound
	}

	note := annotate.FeedbackNote(annotate.Feedback{Score: req.Score, Comment: req.Comment, CallID: req.CallID}, p.clock())
	updated, err := p.annotator.Annotate(ctx, annotate.Request{
		OrderID:    order.ID,
		NoteAppend: note,
		AddTags:    []string{annotate.TagFeedback},
	})
	if err != nil {
		return res, err
	}
	res.OrderID, res.OrderName, res.Tags = updated.ID, updated.Name, updated.Tags
	res.Spoken = "Thank you, I've passed your feedback along to the team."
	return res, nil
}

// TicketRequest asks for a replacement or refund.
type TicketRequest struct {
	OrderNumber string             `json:"order_number,omitempty"`
	Phone       string             `json:"phone,omitempty"`
	Kind        annotate.IssueKind `json:"kind"`
	Description string             `json:"description,omitempty"`
	Items       []string           `json:"items,omitempty"`
	CallID      string             `json:"call_id,omitempty"`
}

// TicketResult is a filed ticket.
type TicketResult struct {
	NoteResult
	FollowupID string `json:"followup_id,omitempty"`
}

// FileTicket annotates the order with the issue and opens a follow-up.
func (p *Pipeline) FileTicket(ctx context.Context, req TicketRequest) (res *TicketResult, err error) {
	ctx, done := p.track(ctx, "ticket", "", req.CallID)
	defer func() { done(err) }()

	res = &TicketResult{NoteResult: NoteResult{Spoken: SpokenHandoff}}
	var kind followup.Kind
	switch req.Kind {
	case annotate.IssueReplacement:
		kind = followup.KindReplacement
	case annotate.IssueRefund:
		kind = followup.KindRefund
	default:
		res.Spoken = "Would you like a replacement or a refund?"
		return res, fmt.Errorf("ticket kind must be replacement or refund, got %q", req.Kind)
	}

	order, err := p.findOrder(ctx, "", req.OrderNumber, req.Phone)
	if err != nil {
		return res, err
	}
	if order == nil {
		res.Spoken = SpokenNeedIdentifier
		return res, resolver.ErrNotFound
	}

	issue := annotate.Issue{Kind: req.Kind, Description: req.Description, Items: req.Items, CallID: req.CallID}
	updated, err := p.annotator.Annotate(ctx, annotate.Request{
		OrderID:    order.ID,
		NoteAppend: annotate.IssueNote(issue, p.clock()),
		AddTags:    issue.Tags(),
	})
	if err != nil {
		return res, err
	}
	res.OrderID, res.OrderName, res.Tags = updated.ID, updated.Name, updated.Tags

	if p.followups != nil {
		it, ferr := p.followups.Open(ctx, followup.Item{
			Kind:      kind,
			OrderID:   order.ID,
			OrderName: order.Name,
			CallID:    req.CallID,
			Phone:     order.ContactPhone(),
			Email:     order.ContactEmail(),
			Reason:    firstNonEmpty(req.Description, string(req.Kind)+" requested"),
			Details:   map[string]string{"items": strings.Join(req.Items, ", ")},
		})
		if ferr != nil {
			p.logger.ErrorContext(ctx, "ticket follow-up not recorded", "order", order.ID, "error", ferr)
		} else {
			res.FollowupID = it.ID
		}
	}
	res.Spoken = ticketLine(string(req.Kind), order)
	return res, nil
}

// OptOutRequest asks that a number never be called again.
type OptOutRequest struct {
	Phone       string `json:"phone"`
	OrderNumber string `json:"order_number,omitempty"`
	CallID      string `json:"call_id,omitempty"`
}

// OptOut adds the number to the do-not-call registry and tags the order
// when one can be found.
func (p *Pipeline) OptOut(ctx context.Context, req OptOutRequest) (res *NoteResult, err error) {
	ctx, done := p.track(ctx, "opt_out", "", req.CallID)
	defer func() { done(err) }()

	res = &NoteResult{Spoken: SpokenHandoff}
	if strings.TrimSpace(req.Phone) == "" {
		res.Spoken = SpokenNeedContact
		return res, errors.New("opt-out needs a phone number")
	}
	order, ferr := p.findOrder(ctx, "", req.OrderNumber, req.Phone)
	if ferr != nil {
		p.logger.WarnContext(ctx, "opt-out order lookup failed", "error", ferr)
	}
	orderID := ""
	if order != nil {
		orderID = order.ID
	}

	updated, err := p.annotator.OptOut(ctx, req.Phone, orderID)
	if errors.Is(err, annotate.ErrOptOutNotRecorded) {
		return res, err
	}
	if err != nil {
		// The number is blocked; only the order note failed.
		p.logger.WarnContext(ctx, "opt-out annotation failed", "order", orderID, "error", err)
	}
	if updated != nil {
		res.OrderID, res.OrderName, res.Tags = updated.ID, updated.Name, updated.Tags
	}
	p.record(ctx, eventlog.KindOptOut, req.CallID, map[string]string{"order_id": orderID})
	res.Spoken = "Understood. I've removed your number from our call list, and you won't hear from us by phone again."
	return res, nil
}
