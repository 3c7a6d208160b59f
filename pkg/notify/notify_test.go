package notify

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/mailer"
	"github.com/Mindburn-Labs/callbridge/pkg/marketing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMail struct {
	sent []mailer.Message
	err  error
}

func (f *fakeMail) Send(_ context.Context, m mailer.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "mail-1", nil
}

type fakeSMS struct {
	to, body []string
	err      error
}

func (f *fakeSMS) Send(_ context.Context, to, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.to = append(f.to, to)
	f.body = append(f.body, body)
	return "SM1", nil
}

type fakeSink struct {
	events []marketing.Event
	err    error
}

func (f *fakeSink) TrackEvent(_ context.Context, ev marketing.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func newDispatcher() (*Dispatcher, *fakeMail, *fakeSMS, *fakeSink) {
	m, s, k := &fakeMail{}, &fakeSMS{}, &fakeSink{}
	d := New(m, s, k, Config{StorefrontURL: "https://shop.example.com", FromEmail: "support@example.com"})
	return d, m, s, k
}

func TestSelectChannel(t *testing.T) {
	both := Contact{Email: "a@example.com", Phone: "6194587071"}
	tests := []struct {
		name    string
		pref    Channel
		contact Contact
		want    Channel
		wantErr bool
	}{
		{"auto prefers sms", ChannelAuto, both, ChannelSMS, false},
		{"auto falls back to email", ChannelAuto, Contact{Email: "a@example.com"}, ChannelEmail, false},
		{"auto with nothing", ChannelAuto, Contact{}, "", true},
		{"explicit email", ChannelEmail, both, ChannelEmail, false},
		{"explicit email without address", ChannelEmail, Contact{Phone: "6194587071"}, "", true},
		{"explicit sms without phone", ChannelSMS, Contact{Email: "a@example.com"}, "", true},
		{"short phone is not usable", ChannelAuto, Contact{Phone: "911", Email: "a@example.com"}, ChannelEmail, false},
		{"event with email only", ChannelEvent, Contact{Email: "a@example.com"}, ChannelEvent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectChannel(tt.pref, tt.contact)
			if tt.wantErr {
				assert.ErrorIs(t, err, contact.ErrInvalidContact)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatch_SMS(t *testing.T) {
	d, _, s, _ := newDispatcher()
	r, err := d.Dispatch(context.Background(), Request{
		Contact: Contact{Phone: "(619) 458-7071", FirstName: "James"},
		Code:    "James12",
	})
	require.NoError(t, err)
	assert.True(t, r.Delivered)
	assert.Equal(t, ChannelSMS, r.Channel)
	assert.Equal(t, "SM1", r.Reference)
	assert.Contains(t, s.body[0], "James12")
	assert.Contains(t, s.body[0], "https://shop.example.com/discount/James12?")
}

func TestDispatch_EmailUsesCheckoutURL(t *testing.T) {
	d, m, _, _ := newDispatcher()
	r, err := d.Dispatch(context.Background(), Request{
		Contact:     Contact{Email: "James@Example.com"},
		Code:        "James12",
		CheckoutURL: "https://shop.example.com/checkouts/abc?key=1",
	})
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, r.Channel)
	require.Len(t, m.sent, 1)
	assert.Equal(t, []string{"james@example.com"}, m.sent[0].To)
	assert.Contains(t, m.sent[0].Text, r.RecoveryURL)
	assert.Contains(t, r.RecoveryURL, "discount=James12")
}

func TestDispatch_EventAcceptedBySink(t *testing.T) {
	d, _, s, k := newDispatcher()
	r, err := d.Dispatch(context.Background(), Request{
		Contact:   Contact{Email: "a@example.com", Phone: "6194587071"},
		Code:      "SAVE20-7K3Q",
		Value:     20,
		Channel:   ChannelEvent,
		Reference: "call_9",
	})
	require.NoError(t, err)
	assert.True(t, r.Delivered)
	assert.Empty(t, s.to, "event mode never sends directly")
	require.Len(t, k.events, 1)
	assert.Equal(t, "SAVE20-7K3Q", k.events[0].Properties["discount_code"])
	assert.Equal(t, "+16194587071", k.events[0].Profile.Phone)
	assert.Equal(t, "call_9", k.events[0].UniqueID)
}

func TestDispatch_TransportFailureIsDispatchError(t *testing.T) {
	d, _, s, _ := newDispatcher()
	boom := errors.New("carrier down")
	s.err = boom

	_, err := d.Dispatch(context.Background(), Request{Contact: Contact{Phone: "6194587071"}, Code: "James12"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ChannelSMS, de.Channel)
	assert.Equal(t, "James12", de.Code)
	assert.ErrorIs(t, err, boom)
}

func TestDispatch_MissingTransport(t *testing.T) {
	d := New(nil, nil, nil, Config{StorefrontURL: "https://shop.example.com"})
	_, err := d.Dispatch(context.Background(), Request{Contact: Contact{Email: "a@example.com"}, Code: "X"})
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	var de *DispatchError
	assert.False(t, errors.As(err, &de), "a missing transport is caught before sending")
}

type blocklist map[string]bool

func (b blocklist) Contains(_ context.Context, phone string) (bool, error) {
	if b["error"] {
		return false, errors.New("registry offline")
	}
	return b[contact.Last10(phone)], nil
}

func TestPreflight(t *testing.T) {
	blocked := blocklist{"6194587071": true}
	tests := []struct {
		name    string
		d       *Dispatcher
		req     Request
		want    Channel
		wantErr error
	}{
		{"clean phone texts", nil, Request{Contact: Contact{Phone: "2125550100"}}, ChannelSMS, nil},
		{"blocked phone falls back to email", nil,
			Request{Contact: Contact{Phone: "(619) 458-7071", Email: "a@example.com"}}, ChannelEmail, nil},
		{"explicit sms to blocked phone falls back to email", nil,
			Request{Contact: Contact{Phone: "6194587071", Email: "a@example.com"}, Channel: ChannelSMS}, ChannelEmail, nil},
		{"blocked phone without email", nil,
			Request{Contact: Contact{Phone: "+16194587071"}}, "", ErrOptedOut},
		{"event drops blocked phone", nil,
			Request{Contact: Contact{Phone: "6194587071"}, Channel: ChannelEvent}, "", ErrOptedOut},
		{"short phone", nil, Request{Contact: Contact{Phone: "12345"}}, "", contact.ErrInvalidContact},
		{"email requested without address", nil,
			Request{Contact: Contact{Phone: "2125550100"}, Channel: ChannelEmail}, "", contact.ErrInvalidContact},
		{"no sms transport", New(&fakeMail{}, nil, nil, Config{StorefrontURL: "https://shop.example.com"}),
			Request{Contact: Contact{Phone: "2125550100"}}, "", ErrChannelUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.d
			if d == nil {
				d, _, _, _ = newDispatcher()
				d.WithBlocklist(blocked)
			}
			plan, err := d.Preflight(context.Background(), tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Channel)
		})
	}
}

func TestPreflight_RegistryFailureFailsClosed(t *testing.T) {
	d, _, _, _ := newDispatcher()
	d.WithBlocklist(blocklist{"error": true})
	_, err := d.Preflight(context.Background(), Request{Contact: Contact{Phone: "2125550100", Email: "a@example.com"}})
	assert.ErrorContains(t, err, "registry offline")
}

func TestPreflight_NoStorefront(t *testing.T) {
	d := New(&fakeMail{}, &fakeSMS{}, nil, Config{})
	_, err := d.Preflight(context.Background(), Request{Contact: Contact{Phone: "2125550100"}})
	assert.ErrorContains(t, err, "storefront url")

	plan, err := d.Preflight(context.Background(), Request{Contact: Contact{Phone: "2125550100"}, CheckoutURL: "https://shop.example.com/checkouts/1"})
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, plan.Channel)
}

func TestDispatch_BlockedPhoneNeverTexted(t *testing.T) {
	d, m, s, k := newDispatcher()
	d.WithBlocklist(blocklist{"6194587071": true})

	r, err := d.Dispatch(context.Background(), Request{
		Contact: Contact{Phone: "6194587071", Email: "a@example.com"},
		Code:    "James12",
	})
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, r.Channel)
	assert.Empty(t, s.to)
	assert.Len(t, m.sent, 1)

	_, err = d.Dispatch(context.Background(), Request{
		Contact: Contact{Phone: "6194587071", Email: "a@example.com"},
		Code:    "James12",
		Channel: ChannelEvent,
	})
	require.NoError(t, err)
	require.Len(t, k.events, 1)
	assert.Empty(t, k.events[0].Profile.Phone)
	assert.Equal(t, "a@example.com", k.events[0].Profile.Email)
}

func TestBuildRecoveryURL(t *testing.T) {
	utm := UTM{Source: "voice", Medium: "sms", Campaign: "recovery"}

	got, err := BuildRecoveryURL("https://shop.example.com", "https://shop.example.com/checkouts/abc?key=k1", "James12", utm)
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/checkouts/abc", u.Path)
	assert.Equal(t, "k1", u.Query().Get("key"))
	assert.Equal(t, "James12", u.Query().Get("discount"))
	assert.Equal(t, "voice", u.Query().Get("utm_source"))
	assert.Equal(t, "sms", u.Query().Get("utm_medium"))
	assert.Equal(t, "recovery", u.Query().Get("utm_campaign"))

	got, err = BuildRecoveryURL("https://shop.example.com/", "", "James12", utm)
	require.NoError(t, err)
	u, err = url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/discount/James12", u.Path)
	assert.Equal(t, "/", u.Query().Get("redirect"))
	assert.Equal(t, "recovery", u.Query().Get("utm_campaign"))

	_, err = BuildRecoveryURL("", "", "James12", utm)
	assert.Error(t, err)
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel(" SMS ")
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, c)
	c, err = ParseChannel("")
	require.NoError(t, err)
	assert.Equal(t, ChannelAuto, c)
	_, err = ParseChannel("pigeon")
	assert.Error(t, err)
}
