package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicies(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicies(t *testing.T) {
	path := writePolicies(t, `
default_flow: event
flows:
  legacy:
    ceiling: 15
    ttl: 30d
    top_tier: 15
    channel: auto
  event:
    ceiling: 20
    ttl: 24h
    top_tier: 20
    channel: event
    tiers:
      - expr: customer.orders_count >= 5
        value: 20
      - expr: customer.total_spent > 300.0
        value: 12
`)
	pf, err := LoadPolicies(path)
	require.NoError(t, err)
	assert.Equal(t, "event", pf.DefaultFlow)
	require.Len(t, pf.Flows, 2)

	legacy := pf.Flows["legacy"]
	ttl, err := legacy.TTLDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, ttl)

	ev := pf.Flows["event"]
	require.Len(t, ev.Tiers, 2)
	assert.Equal(t, "customer.orders_count >= 5", ev.Tiers[0].Expr)
	assert.Equal(t, 12.0, ev.Tiers[1].Value)
}

func TestLoadPolicies_DefaultFlowFallsBackToLegacy(t *testing.T) {
	pf, err := LoadPolicies(writePolicies(t, "flows:\n  legacy:\n    ceiling: 15\n    ttl: 720h\n"))
	require.NoError(t, err)
	assert.Equal(t, "legacy", pf.DefaultFlow)
}

func TestLoadPolicies_Invalid(t *testing.T) {
	cases := map[string]string{
		"no flows":        "default_flow: legacy\n",
		"missing default": "default_flow: event\nflows:\n  legacy:\n    ceiling: 15\n    ttl: 1d\n",
		"zero ceiling":    "flows:\n  legacy:\n    ceiling: 0\n    ttl: 1d\n",
		"bad ttl":         "flows:\n  legacy:\n    ceiling: 15\n    ttl: soon\n",
		"tier over cap":   "flows:\n  legacy:\n    ceiling: 15\n    ttl: 1d\n    top_tier: 25\n",
		"bad channel":     "flows:\n  legacy:\n    ceiling: 15\n    ttl: 1d\n    channel: fax\n",
		"empty tier":      "flows:\n  legacy:\n    ceiling: 15\n    ttl: 1d\n    tiers:\n      - value: 5\n",
		"not yaml":        "flows: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPolicies(writePolicies(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseTTL(t *testing.T) {
	d, err := ParseTTL("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	for _, bad := range []string{"", "0d", "-1h", "xd"} {
		_, err := ParseTTL(bad)
		assert.Error(t, err, bad)
	}
}
