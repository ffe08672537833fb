package plans

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

func TestPlan_Pricing(t *testing.T) {
	p := Plan{Key: "pro", Name: "Pro", Tier: 2, PriceCents: 1999, TaxCents: 160, Currency: "usd"}

	assert.False(t, p.IsFree())
	assert.Equal(t, int64(1999), p.Price())
	assert.Equal(t, int64(160), p.PriceTax())
	assert.Equal(t, int64(2159), p.PriceWithTax())
	assert.Equal(t, "21.59 USD", p.HumanPrice())
	assert.Equal(t, "Pro", p.HumanName())

	free := Plan{Key: "free"}
	assert.True(t, free.IsFree())
	assert.Equal(t, "free", free.HumanName())
}

func TestPlan_Compare(t *testing.T) {
	basic := Plan{Key: "basic", Tier: 1, PriceCents: 500}
	pro := Plan{Key: "pro", Tier: 2, PriceCents: 100}
	basicPlus := Plan{Key: "basic_plus", Tier: 1, PriceCents: 700}

	t.Run("tier dominates price", func(t *testing.T) {
		assert.True(t, pro.GreaterThan(basic))
		assert.False(t, basic.GreaterThan(pro))
	})

	t.Run("price breaks tier ties", func(t *testing.T) {
		assert.Equal(t, 1, basicPlus.Compare(basic))
		assert.Equal(t, -1, basic.Compare(basicPlus))
	})

	t.Run("equal plans", func(t *testing.T) {
		assert.Equal(t, 0, basic.Compare(basic))
		assert.False(t, basic.GreaterThan(basic))
	})

	t.Run("keys do not rank", func(t *testing.T) {
		teamA := Plan{Key: "team_a", Tier: 2, PriceCents: 1999}
		teamB := Plan{Key: "team_b", Tier: 2, PriceCents: 1999}
		assert.Equal(t, 0, teamA.Compare(teamB))
		assert.Equal(t, 0, teamB.Compare(teamA))
		assert.False(t, teamB.GreaterThan(teamA))
	})
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{1999, "USD", "19.99 USD"},
		{5, "eur", "0.05 EUR"},
		{980, "JPY", "980 JPY"},
		{-150, "USD", "-1.50 USD"},
		{0, "", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAmount(tt.amount, tt.currency))
		})
	}

	assert.Equal(t, "980", DecimalAmount(980, "JPY"))
	assert.Equal(t, "9.80", DecimalAmount(980, "USD"))
}

func TestNewStaticCatalog(t *testing.T) {
	t.Run("lookup and keys", func(t *testing.T) {
		c, err := NewStaticCatalog(
			Plan{Key: "pro", Tier: 2, PriceCents: 1000, Currency: "USD"},
			Plan{Key: "basic", Tier: 1, PriceCents: 500, Currency: "USD"},
		)
		require.NoError(t, err)

		p, ok := c.Lookup("basic")
		require.True(t, ok)
		assert.Equal(t, 1, p.Tier)

		_, ok = c.Lookup("missing")
		assert.False(t, ok)

		assert.Equal(t, []string{"basic", "pro"}, c.Keys())
	})

	t.Run("duplicate key", func(t *testing.T) {
		_, err := NewStaticCatalog(Plan{Key: "a", Free: true}, Plan{Key: "a", Free: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate plan key")
	})

	t.Run("paid plan without currency", func(t *testing.T) {
		_, err := NewStaticCatalog(Plan{Key: "a", PriceCents: 100})
		require.Error(t, err)
	})
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
plans:
  - key: free
    name: Free
    free: true
  - key: basic
    name: Basic
    tier: 1
    price_cents: 980
    tax_cents: 49
    currency: JPY
`)
	c, err := ParseYAML(doc)
	require.NoError(t, err)

	basic, ok := c.Lookup("basic")
	require.True(t, ok)
	assert.Equal(t, "1029 JPY", basic.HumanPrice())

	_, err = ParseYAML([]byte("plans: []"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("plans: ["))
	assert.Error(t, err)
}

func TestWatchFile_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plans:\n  - key: free\n    free: true\n"), 0o644))

	reloaded := make(chan error, 4)
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	wc, err := WatchFile(path, logger, func(err error) {
		select {
		case reloaded <- err:
		default:
		}
	})
	require.NoError(t, err)
	defer wc.Close()

	_, ok := wc.Lookup("pro")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("plans:\n  - key: free\n    free: true\n  - key: pro\n    tier: 2\n    price_cents: 100\n    currency: USD\n"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := wc.Lookup("pro")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous catalog in place.
	require.NoError(t, os.WriteFile(path, []byte("plans: ["), 0o644))
	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
	}
	_, ok = wc.Lookup("free")
	assert.True(t, ok)
}
