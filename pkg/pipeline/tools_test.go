package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/eligibility"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupOrder_Describes(t *testing.T) {
	f := newFixture(t)
	f.m.PutOrder(commerce.Order{
		Name:              "#1201",
		Phone:             "6194587071",
		FulfillmentStatus: "fulfilled",
		TotalPrice:        84.5,
		CreatedAt:         now.Add(-3 * 24 * time.Hour),
		LineItems: []commerce.LineItem{
			{Title: "Linen Sheet Set", Quantity: 1, VariantTitle: "Queen"},
			{Title: "Pillowcase", Quantity: 2},
		},
	})

	res, err := f.p.LookupOrder(context.Background(), LookupRequest{Phone: "(619) 458-7071"})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, resolver.MethodPhone, res.Method)
	assert.Equal(t, []string{"Linen Sheet Set (Queen)", "2 x Pillowcase"}, res.Order.Items)
	assert.Equal(t, "2026-06-12", res.Order.PlacedAt)
	assert.Equal(t, "I found your most recent order, #1201, placed on June 12, with 2 items including Linen Sheet Set. It has been shipped.", res.Spoken)

	res, err = f.p.LookupOrder(context.Background(), LookupRequest{OrderNumber: "1201"})
	require.NoError(t, err)
	assert.Equal(t, resolver.MethodOrderNumber, res.Method)
	assert.Equal(t, "I found order #1201, placed on June 12, with 2 items including Linen Sheet Set. It has been shipped.", res.Spoken)
}

func TestLookupOrder_NotFound(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.LookupOrder(context.Background(), LookupRequest{OrderNumber: "999"})
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	assert.False(t, res.Found)
	assert.Equal(t, SpokenNeedIdentifier, res.Spoken)
}

func TestCheckEligibility(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.CheckEligibility(context.Background(), EligibilityRequest{Email: "new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, FlowLegacy, res.Flow)
	assert.Equal(t, eligibility.ReasonNewCustomer, res.Decision.Reason)
	assert.Equal(t, "Good news, as a new customer you qualify for 10 percent off.", res.Spoken)

	f.loyalJames()
	res, err = f.p.CheckEligibility(context.Background(), EligibilityRequest{Phone: "6194587071", Flow: FlowEvent})
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.Decision.SuggestedValue)
	assert.Equal(t, "Good news, you qualify for 20 percent off.", res.Spoken)
	assert.Zero(t, f.m.Calls["CreateDiscount"])
}

func TestCheckEligibility_FailsOpen(t *testing.T) {
	f := newFixture(t)
	f.m.Fail("SearchCustomers", commerce.ErrBackendUnavailable)
	res, err := f.p.CheckEligibility(context.Background(), EligibilityRequest{Phone: "6194587071"})
	require.NoError(t, err)
	assert.True(t, res.Decision.Eligible)
	assert.Equal(t, eligibility.ReasonDefault, res.Decision.Reason)
}

func TestCaptureFeedback_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.CaptureFeedback(context.Background(), FeedbackRequest{OrderNumber: "1", Score: 9})
	assert.Error(t, err)
	o := f.m.PutOrder(commerce.Order{Name: "#77"})
	res, err := f.p.CaptureFeedback(context.Background(), FeedbackRequest{OrderNumber: "77", Score: 0})
	assert.ErrorContains(t, err, "outside 1-5")
	assert.Contains(t, res.Spoken, "one to five")
	got, err := f.m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Note, "no note for a missing score")

	res, err = f.p.CaptureFeedback(context.Background(), FeedbackRequest{OrderNumber: "1", Score: 3})
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	assert.Equal(t, SpokenNeedIdentifier, res.Spoken)
}

func TestFileTicket_Refund(t *testing.T) {
	f := newFixture(t)
	o := f.m.PutOrder(commerce.Order{Name: "#42507", Email: "pat@example.com", Phone: "6194587071"})

	res, err := f.p.FileTicket(context.Background(), TicketRequest{
		OrderNumber: "#42507",
		Kind:        annotate.IssueRefund,
		Description: "arrived broken",
		Items:       []string{"Vase"},
		CallID:      "c7",
	})
	require.NoError(t, err)
	assert.Equal(t, o.ID, res.OrderID)
	assert.Equal(t, []string{annotate.TagIssue, annotate.TagRefundRequested}, res.Tags)
	assert.Contains(t, res.Spoken, "refund request for order #42507")

	it, err := f.queue.Get(res.FollowupID)
	require.NoError(t, err)
	assert.Equal(t, followup.KindRefund, it.Kind)
	assert.Equal(t, "#42507", it.OrderName)
	assert.Equal(t, "pat@example.com", it.Email)
	assert.Equal(t, "Vase", it.Details["items"])

	got, err := f.m.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "[Call issue 2026-06-15 15:00 UTC] refund for Vase: arrived broken (call c7)", got.Note)
}

func TestFileTicket_Validation(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.FileTicket(context.Background(), TicketRequest{OrderNumber: "1", Kind: annotate.IssueOther})
	assert.Error(t, err)
	assert.Equal(t, "Would you like a replacement or a refund?", res.Spoken)

	res, err = f.p.FileTicket(context.Background(), TicketRequest{OrderNumber: "1", Kind: annotate.IssueReplacement})
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	assert.Equal(t, SpokenNeedIdentifier, res.Spoken)
	assert.Zero(t, f.queue.OpenCount())
}

func TestOptOut_BlocksAndTags(t *testing.T) {
	f := newFixture(t)
	o := f.m.PutOrder(commerce.Order{Name: "#42507", Phone: "6194587071"})

	res, err := f.p.OptOut(context.Background(), OptOutRequest{Phone: "619-458-7071", CallID: "c8"})
	require.NoError(t, err)
	assert.Equal(t, o.ID, res.OrderID)
	assert.Contains(t, res.Tags, annotate.TagDoNotCall)

	blocked, err := f.registry.Contains(context.Background(), "+16194587071")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, []string{eventlog.KindOptOut}, f.kinds())
}

func TestOptOut_AnnotationFailureStillBlocks(t *testing.T) {
	f := newFixture(t)
	f.m.PutOrder(commerce.Order{Name: "#42507", Phone: "6194587071"})
	f.m.Fail("UpdateOrder", commerce.ErrBackendUnavailable)

	res, err := f.p.OptOut(context.Background(), OptOutRequest{Phone: "6194587071"})
	require.NoError(t, err)
	assert.Contains(t, res.Spoken, "removed your number")

	blocked, err := f.registry.Contains(context.Background(), "6194587071")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestOptOut_NeedsPhone(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.OptOut(context.Background(), OptOutRequest{})
	assert.Error(t, err)
	assert.Equal(t, SpokenNeedContact, res.Spoken)
}
