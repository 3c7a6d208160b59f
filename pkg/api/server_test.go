package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/dnc"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/gateway"
	"github.com/Mindburn-Labs/callbridge/pkg/mailer"
	"github.com/Mindburn-Labs/callbridge/pkg/marketing"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/pipeline"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
	"github.com/Mindburn-Labs/callbridge/pkg/telephony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopMail struct{}

func (nopMail) Send(context.Context, mailer.Message) (string, error) { return "mail-1", nil }

type recordingSMS struct{ to []string }

func (r *recordingSMS) Send(_ context.Context, to, _ string) (string, error) {
	r.to = append(r.to, to)
	return "SM1", nil
}

type nopSink struct{}

func (nopSink) TrackEvent(context.Context, marketing.Event) error { return nil }

type stubDialer struct{ fail error }

func (d *stubDialer) PlaceCall(_ context.Context, req telephony.CallRequest) (*telephony.Call, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	return &telephony.Call{CallID: "call_" + req.To, To: req.To, From: req.From, AgentID: req.AgentID}, nil
}

type testServer struct {
	h        http.Handler
	backend  *commerce.MemoryBackend
	registry *dnc.FileStore
	queue    *followup.Queue
	log      *eventlog.MemoryLog
	sms      *recordingSMS
	dialer   *stubDialer
}

const webhookSecret = "whsec"

func newTestServer(t *testing.T, window *gateway.Window, checks map[string]HealthCheck) *testServer {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	m := commerce.NewMemoryBackend().WithClock(clock)
	reg, err := dnc.NewFileStore(filepath.Join(t.TempDir(), "dnc.json"))
	require.NoError(t, err)
	ts := &testServer{
		backend:  m,
		registry: reg,
		queue:    followup.NewQueue().WithClock(clock),
		log:      eventlog.NewMemoryLog(eventlog.WithClock(clock)),
		sms:      &recordingSMS{},
		dialer:   &stubDialer{},
	}
	res := resolver.New(m, m, resolver.DefaultConfig()).WithClock(clock)
	ann := annotate.New(m, reg).WithClock(clock)
	p, err := pipeline.New(pipeline.Deps{
		Backend:    m,
		Resolver:   res,
		Dispatcher: notify.New(nopMail{}, ts.sms, nopSink{}, notify.Config{StorefrontURL: "https://shop.example.com"}).WithBlocklist(reg),
		Annotator:  ann,
		Followups:  ts.queue,
		Log:        ts.log,
	}, pipeline.DefaultPolicies(), pipeline.FlowLegacy)
	require.NoError(t, err)
	p = p.WithClock(clock)

	gw := gateway.New(gateway.Deps{
		Dialer:    ts.dialer,
		Registry:  reg,
		Window:    window,
		Log:       ts.log,
		Orders:    m,
		Resolver:  res,
		Annotator: ann,
		Recoverer: p,
	}, gateway.Config{FromNumber: "+15550000000", AgentID: "agent_1"}).WithClock(clock)

	s, err := NewServer(Deps{
		Pipeline:      p,
		Gateway:       gw,
		DNC:           reg,
		Followups:     ts.queue,
		WebhookSecret: webhookSecret,
		Version:       "1.2.3",
		Checks:        checks,
	})
	require.NoError(t, err)
	ts.h = s.Routes()
	return ts
}

func (ts *testServer) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	ts.h.ServeHTTP(w, req)
	return w
}

func decodeTool(t *testing.T, w *httptest.ResponseRecorder) (toolResponse, map[string]any) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, "tool endpoints always answer 200")
	var raw struct {
		toolResponse
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	return raw.toolResponse, raw.Result
}

func TestNewServer_RequiresPipeline(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}

func TestTool_LookupDefaultsPhoneFromCall(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.backend.PutOrder(commerce.Order{Name: "#42507", Phone: "+16194587071", CreatedAt: fixedNow.Add(-time.Hour)})

	w := ts.do(http.MethodPost, "/tools/lookup-order",
		`{"args": {}, "call": {"direction": "inbound", "from_number": "(619) 458-7071", "call_id": "c1"}}`)
	resp, result := decodeTool(t, w)

	assert.True(t, resp.OK)
	assert.Equal(t, true, result["found"])
	assert.Equal(t, "phone", result["method"])
	assert.Contains(t, resp.Spoken, "#42507")
}

func TestTool_BareArgs(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.backend.PutOrder(commerce.Order{Name: "#42507"})

	w := ts.do(http.MethodPost, "/tools/capture-feedback", `{"order_number": 42507, "score": 4, "comment": "quick"}`)
	resp, result := decodeTool(t, w)

	assert.True(t, resp.OK)
	assert.Equal(t, "#42507", result["order_name"])
	assert.NotEmpty(t, resp.Spoken)
}

func TestTool_ArgumentsKeyVariant(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.backend.PutOrder(commerce.Order{Name: "#42507"})

	w := ts.do(http.MethodPost, "/tools/lookup-order", `{"arguments": {"order_number": "#42507"}}`)
	resp, _ := decodeTool(t, w)
	assert.True(t, resp.OK)
}

func TestTool_Failures(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	cases := []struct {
		name, path, body, code, spoken string
	}{
		{"schema violation", "/tools/capture-feedback", `{"args": {"score": 9}}`, "invalid_args", SpokenRepeat},
		{"malformed body", "/tools/lookup-order", `{"args":`, "invalid_args", SpokenRepeat},
		{"unknown tool", "/tools/wire-money", `{}`, "unknown_tool", pipeline.SpokenHandoff},
		{"order not found", "/tools/lookup-order", `{"args": {"order_number": "999"}}`, "not_found", pipeline.SpokenNeedIdentifier},
		{"no contact for offer", "/tools/offer-discount", `{"args": {}}`, "invalid_contact", pipeline.SpokenNeedContact},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := decodeTool(t, ts.do(http.MethodPost, tc.path, tc.body))
			assert.False(t, resp.OK)
			assert.Equal(t, tc.code, resp.Error)
			assert.Equal(t, tc.spoken, resp.Spoken)
		})
	}
}

func TestTool_OfferDiscountToOptedOutNumber(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	require.NoError(t, ts.registry.Add(context.Background(), "+16194587071"))

	w := ts.do(http.MethodPost, "/tools/offer-discount",
		`{"args": {}, "call": {"direction": "outbound", "to_number": "6194587071", "call_id": "c8"}}`)
	resp, _ := decodeTool(t, w)

	assert.False(t, resp.OK)
	assert.Equal(t, "opted_out", resp.Error)
	assert.Equal(t, pipeline.SpokenOptedOut, resp.Spoken)
	assert.Empty(t, ts.sms.to)
	assert.Empty(t, ts.backend.Discounts())
}

func TestTool_OfferDiscountBySMS(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c := ts.backend.PutCustomer(commerce.Customer{FirstName: "James", Phone: "+16194587071", OrdersCount: 3, TotalSpent: 1200})
	ts.backend.PutOrder(commerce.Order{Name: "#42507", CustomerID: c.ID, Phone: "+16194587071", CreatedAt: fixedNow.Add(-48 * time.Hour)})

	w := ts.do(http.MethodPost, "/tools/offer-discount",
		`{"args": {"value": 40}, "call": {"direction": "outbound", "to_number": "6194587071", "call_id": "c9"}}`)
	resp, result := decodeTool(t, w)

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, true, result["offered"])
	assert.Equal(t, true, result["delivered"])
	require.Len(t, ts.sms.to, 1)
	assert.True(t, contact.SamePhone("+16194587071", ts.sms.to[0]))
	discount := result["discount"].(map[string]any)
	assert.Equal(t, 15.0, discount["value"], "legacy ceiling caps the request")
}

func TestTool_OptOutUsesCallerNumber(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, _ := decodeTool(t, ts.do(http.MethodPost, "/tools/opt-out",
		`{"args": {}, "call": {"direction": "inbound", "from_number": "+16194587071"}}`))
	assert.True(t, resp.OK)

	ok, err := ts.registry.Contains(context.Background(), "6194587071")
	require.NoError(t, err)
	assert.True(t, ok)
}

func signed(body string) []string {
	return []string{SignatureHeader, telephony.Sign(webhookSecret, []byte(body))}
}

func decodeAck(t *testing.T, w *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, "webhook always answers 200")
	var ack webhookAck
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	return ack
}

func TestWebhook_OptOutEvent(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	body := `{"event": "call_analyzed", "call": {"call_id": "c1", "direction": "inbound",
		"from_number": "+16194587071", "call_analysis": {"custom_analysis_data": {"opt_out": true}}}}`

	ack := decodeAck(t, ts.do(http.MethodPost, "/webhooks/calls", body, signed(body)...))

	assert.Equal(t, "ok", ack.Status)
	require.NotNil(t, ack.Handled)
	assert.True(t, ack.Handled.OptedOut)
	ok, _ := ts.registry.Contains(context.Background(), "+16194587071")
	assert.True(t, ok)
}

func TestWebhook_AcknowledgesWithoutProcessing(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	forged := `{"event": "call_analyzed", "call": {"call_id": "c1", "from_number": "+16194587071",
		"call_analysis": {"custom_analysis_data": {"opt_out": true}}}}`

	ack := decodeAck(t, ts.do(http.MethodPost, "/webhooks/calls", forged, SignatureHeader, "deadbeef"))
	assert.Equal(t, "ignored", ack.Status)
	assert.Empty(t, ts.log.Entries(), "forged events are not processed")

	ack = decodeAck(t, ts.do(http.MethodPost, "/webhooks/calls", "", signed("")...))
	assert.Equal(t, "ok", ack.Status, "empty body is a health check")
	assert.Nil(t, ack.Handled)

	unknown := `{"event": "agent_transferred", "call": {"call_id": "c2"}}`
	ack = decodeAck(t, ts.do(http.MethodPost, "/webhooks/calls", unknown, signed(unknown)...))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, telephony.EventUnknown, ack.Handled.Kind)
}

func TestWebhook_SideEffectFailureStillAcknowledged(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	o := ts.backend.PutOrder(commerce.Order{Name: "#42507"})
	ts.backend.Fail("UpdateOrder", commerce.ErrBackendUnavailable)
	body := `{"event": "call_analyzed", "call": {"call_id": "c1", "direction": "inbound",
		"from_number": "+16194587071", "metadata": {"order_id": "` + o.ID + `"},
		"call_analysis": {"custom_analysis_data": {"satisfaction_score": 4}}}}`

	ack := decodeAck(t, ts.do(http.MethodPost, "/webhooks/calls", body, signed(body)...))
	assert.Equal(t, "ok", ack.Status)
	assert.Len(t, ack.Handled.Errors, 1)
}

func TestPlaceCall(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	require.NoError(t, ts.registry.Add(context.Background(), "+16195550000"))

	w := ts.do(http.MethodPost, "/calls", `{"to": "(619) 458-7071", "order_id": "1001"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var call telephony.Call
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &call))
	assert.Equal(t, "+16194587071", call.To)

	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/calls", `{"to": "619-555-0000"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(http.MethodPost, "/calls", `{"to": "call me"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/calls", `{"to": "1", "bogus": 1}`).Code)

	ts.dialer.fail = errors.New("upstream 500")
	assert.Equal(t, http.StatusBadGateway, ts.do(http.MethodPost, "/calls", `{"to": "6194587071"}`).Code)
}

func TestCalls_OutsideWindowForbidden(t *testing.T) {
	// fixedNow is 15:00 UTC.
	window, err := gateway.ParseWindow("01:00", "02:00", "UTC")
	require.NoError(t, err)
	ts := newTestServer(t, window, nil)

	w := ts.do(http.MethodPost, "/calls", `{"to": "6194587071"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = ts.do(http.MethodPost, "/calls/batch", `{"calls": [{"to": "6194587071"}]}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCallsBatch(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	require.NoError(t, ts.registry.Add(context.Background(), "+16195550000"))

	w := ts.do(http.MethodPost, "/calls/batch",
		`{"calls": [{"to": "6194587071"}, {"to": "+1 619 458 7071"}, {"to": "6195550000"}, {"to": "x"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res gateway.BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Placed)
	assert.Equal(t, 3, res.Skipped)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/calls/batch", `{"calls": []}`).Code)
}

func TestDNCEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w := ts.do(http.MethodPost, "/dnc", `{"phone": "619.458.7071"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"phone": "+16194587071"}`, w.Body.String())

	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(http.MethodPost, "/dnc", `{"phone": "nope"}`).Code)

	w = ts.do(http.MethodGet, "/dnc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"phones": ["+16194587071"]}`, w.Body.String())
}

func TestFollowupEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	it, err := ts.queue.Open(context.Background(), followup.Item{Kind: followup.KindRefund, Reason: "damaged"})
	require.NoError(t, err)

	w := ts.do(http.MethodGet, "/followups?status=open", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Followups []followup.Item `json:"followups"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Followups, 1)
	assert.Equal(t, it.ID, list.Followups[0].ID)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/followups?status=stale", "").Code)

	path := "/followups/" + it.ID + "/resolve"
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, path, `{}`).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, path, `{"resolved_by": "ops", "resolution": "refunded"}`).Code)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, path, `{"resolved_by": "ops"}`).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/followups/nope/resolve", `{"resolved_by": "ops"}`).Code)
}

func TestRoutes_UnroutedAreProblems(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w := ts.do(http.MethodDelete, "/dnc", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Allow"))
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = ts.do(http.MethodGet, "/calls", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "POST", w.Header().Get("Allow"))

	w = ts.do(http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, map[string]HealthCheck{
		"dnc": func(context.Context) error { return nil },
	})
	w := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status string            `json:"status"`
		Build  map[string]any    `json:"build"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Build["version"])
	assert.Equal(t, "ok", body.Checks["dnc"])

	ts = newTestServer(t, nil, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	h := RequestLogger(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
