package toolschema

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tool  string
	args  map[string]any
	calls int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, tool string, args json.RawMessage) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tool = tool
	d.args = map[string]any{}
	if err := json.Unmarshal(args, &d.args); err != nil {
		return nil, err
	}
	return "ok", nil
}

func newFirewall(t *testing.T) (*Firewall, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	f, err := NewDefault(d)
	require.NoError(t, err)
	return f, d
}

func TestCallTool_BlocksUnknown(t *testing.T) {
	f, d := newFirewall(t)
	_, err := f.CallTool(context.Background(), Call{}, "delete-everything", nil)
	assert.ErrorIs(t, err, ErrToolBlocked)
	assert.Zero(t, d.calls)
}

func TestCallTool_DefaultsPhoneFromInboundCall(t *testing.T) {
	f, d := newFirewall(t)
	call := Call{Direction: "inbound", FromNumber: "+16194587071", ToNumber: "+18005550100", CallID: "c1"}

	_, err := f.CallTool(context.Background(), call, ToolLookupOrder, json.RawMessage(`{"order_number": 1201}`))
	require.NoError(t, err)
	assert.Equal(t, ToolLookupOrder, d.tool)
	assert.Equal(t, "+16194587071", d.args["phone"])
	assert.Equal(t, "c1", d.args["call_id"])
	assert.Equal(t, "1201", d.args["order_number"], "numeric order numbers become strings")
}

func TestCallTool_DefaultsPhoneFromOutboundCall(t *testing.T) {
	f, d := newFirewall(t)
	call := Call{Direction: "outbound", FromNumber: "+18005550100", ToNumber: "+16194587071"}

	_, err := f.CallTool(context.Background(), call, ToolOptOut, nil)
	require.NoError(t, err)
	assert.Equal(t, "+16194587071", d.args["phone"])
}

func TestCallTool_ExplicitPhoneWins(t *testing.T) {
	f, d := newFirewall(t)
	call := Call{FromNumber: "+16194587071"}

	_, err := f.CallTool(context.Background(), call, ToolOptOut, json.RawMessage(`{"phone": "555-000-1111"}`))
	require.NoError(t, err)
	assert.Equal(t, "555-000-1111", d.args["phone"])
}

func TestCallTool_SchemaRejections(t *testing.T) {
	f, d := newFirewall(t)
	cases := map[string]struct {
		tool string
		args string
	}{
		"score above range":   {ToolCaptureFeedback, `{"score": 6}`},
		"score zero":          {ToolCaptureFeedback, `{"score": 0}`},
		"score missing":       {ToolCaptureFeedback, `{"comment": "great"}`},
		"fractional score":    {ToolCaptureFeedback, `{"score": 2.5}`},
		"ticket kind other":   {ToolFileTicket, `{"kind": "other"}`},
		"unknown channel":     {ToolOfferDiscount, `{"channel": "fax"}`},
		"negative value":      {ToolOfferDiscount, `{"value": -5}`},
		"unknown flow":        {ToolCheckEligibility, `{"flow": "weekly"}`},
		"unexpected argument": {ToolLookupOrder, `{"order_number": "1", "drop": true}`},
		"not an object":       {ToolLookupOrder, `["1201"]`},
		"malformed":           {ToolLookupOrder, `{"order_number":`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.CallTool(context.Background(), Call{}, tc.tool, json.RawMessage(tc.args))
			assert.ErrorIs(t, err, ErrInvalidArgs)
		})
	}
	assert.Zero(t, d.calls)
}

func TestCallTool_ValidArgsPass(t *testing.T) {
	f, d := newFirewall(t)
	_, err := f.CallTool(context.Background(), Call{}, ToolFileTicket,
		json.RawMessage(`{"kind": "refund", "order_number": "#1201", "items": ["Mug"]}`))
	require.NoError(t, err)
	assert.Equal(t, "refund", d.args["kind"])

	_, err = f.CallTool(context.Background(), Call{}, ToolOfferDiscount,
		json.RawMessage(`{"kind": "percentage", "value": 15, "channel": "sms", "flow": "event"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls)
}

func TestAllowTool_EmptySchemaSkipsValidation(t *testing.T) {
	d := &recordingDispatcher{}
	f := New(d)
	require.NoError(t, f.AllowTool("free-form", ""))

	_, err := f.CallTool(context.Background(), Call{}, "free-form", json.RawMessage(`{"anything": true}`))
	require.NoError(t, err)
	assert.Equal(t, true, d.args["anything"])
}

func TestAllowTool_BadSchema(t *testing.T) {
	f := New(&recordingDispatcher{})
	assert.Error(t, f.AllowTool("bad", `{not json`))
}

func TestCallTool_NilDispatcherFailsClosed(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.AllowTool("tool", ""))
	_, err := f.CallTool(context.Background(), Call{}, "tool", nil)
	assert.Error(t, err)
}

func TestTools_ListsDefaults(t *testing.T) {
	f, _ := newFirewall(t)
	assert.ElementsMatch(t, []string{
		ToolLookupOrder, ToolCheckEligibility, ToolOfferDiscount,
		ToolCaptureFeedback, ToolFileTicket, ToolOptOut,
	}, f.Tools())
}

func TestCallTool_Concurrent(t *testing.T) {
	f, d := newFirewall(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.CallTool(context.Background(), Call{CallID: "c"}, ToolOptOut, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, d.calls)
}
