package marketing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path string
	body         map[string]any
}

func newTestClient(t *testing.T, status int, reply string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Klaviyo-API-Key pk_test", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultRevision, r.Header.Get("revision"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, recorded{r.Method, r.URL.Path, body})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(ts.Close)
	return NewClient(Config{BaseURL: ts.URL, APIKey: "pk_test"}), &calls
}

func TestTrackEvent(t *testing.T) {
	c, calls := newTestClient(t, http.StatusAccepted, "")

	err := c.TrackEvent(context.Background(), Event{
		Metric:     "Call Discount Issued",
		Profile:    Profile{Email: "james@example.com", Phone: "+16194587071"},
		Properties: map[string]any{"code": "James12"},
		UniqueID:   "call_1",
		Time:       time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, *calls, 1)

	got := (*calls)[0]
	assert.Equal(t, "/api/events/", got.path)
	attrs := got.body["data"].(map[string]any)["attributes"].(map[string]any)
	assert.Equal(t, "call_1", attrs["unique_id"])
	assert.Equal(t, "2026-06-01T00:00:00Z", attrs["time"])
	assert.Equal(t, "James12", attrs["properties"].(map[string]any)["code"])
}

func TestUpsertProfileAndList(t *testing.T) {
	c, calls := newTestClient(t, http.StatusOK, `{"data":{"type":"profile","id":"01ABC"}}`)
	ctx := context.Background()

	id, err := c.UpsertProfile(ctx, Profile{Email: "james@example.com", FirstName: "James"})
	require.NoError(t, err)
	assert.Equal(t, "01ABC", id)

	listID, err := c.CreateList(ctx, "call-followups")
	require.NoError(t, err)
	assert.Equal(t, "01ABC", listID)

	require.NoError(t, c.AddToList(ctx, "L1", "p1", "p2"))
	assert.Equal(t, "/api/lists/L1/relationships/profiles/", (*calls)[2].path)
	assert.Len(t, (*calls)[2].body["data"], 2)

	_, err = c.UpsertProfile(ctx, Profile{FirstName: "nobody"})
	assert.Error(t, err)
}

func TestCampaignLifecycle(t *testing.T) {
	c, calls := newTestClient(t, http.StatusCreated, `{"data":{"id":"C1"}}`)
	ctx := context.Background()

	id, err := c.CreateCampaign(ctx, Campaign{Name: "winback", ListID: "L1", Subject: "We miss you", FromEmail: "hi@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "C1", id)

	_, err = c.SendCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/api/campaign-send-jobs/", (*calls)[1].path)
	assert.Equal(t, "C1", (*calls)[1].body["data"].(map[string]any)["id"])
}

func TestRejected(t *testing.T) {
	c, _ := newTestClient(t, http.StatusBadRequest, `{"errors":[{"detail":"bad"}]}`)
	err := c.TrackEvent(context.Background(), Event{Metric: "x", Profile: Profile{Email: "a@b.c"}})
	assert.ErrorIs(t, err, ErrRejected)
}
