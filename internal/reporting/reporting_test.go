package reporting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/usage"
)

func seedStore(t *testing.T) (*usage.MemoryStore, monthkey.Key) {
	t.Helper()
	store := usage.NewMemoryStore(func(usage.AgentID, usage.ProviderID) int64 {
		return 10000
	}, usage.DefaultThresholds())

	month := monthkey.Current()
	ctx := context.Background()
	seed := []struct {
		agent    usage.AgentID
		provider usage.ProviderID
		in, out  int64
	}{
		{"imperium", "anthropic", 3000, 1000},
		{"imperium", "openai", 500, 500},
		{"scout", "anthropic", 1000, 0},
	}
	for _, s := range seed {
		key, err := usage.NewKey(s.agent, s.provider, month)
		require.NoError(t, err)
		_, err = store.Increment(ctx, key, s.in, s.out)
		require.NoError(t, err)
	}
	return store, month
}

func testPricing() map[usage.ProviderID]Pricing {
	return map[usage.ProviderID]Pricing{
		"anthropic": PricingFromFloats(0.003, 0.015, "USD"),
		"openai":    PricingFromFloats(0.0025, 0.01, "USD"),
	}
}

func TestMonthReportAggregates(t *testing.T) {
	store, month := seedStore(t)
	reporter := New(store, testPricing())

	report, err := reporter.Month(context.Background(), month)
	require.NoError(t, err)
	require.Len(t, report.Agents, 2)
	require.Equal(t, usage.AgentID("imperium"), report.Agents[0].Agent)
	require.Equal(t, usage.AgentID("scout"), report.Agents[1].Agent)
	require.Equal(t, int64(6000), report.TotalTokens)
	require.Equal(t, int64(3), report.TotalRequests)

	// imperium/anthropic: 3000*0.003/1000 + 1000*0.015/1000 = 0.024
	imperium := report.Agents[0]
	require.Equal(t, "0.0240", imperium.Providers[0].EstimatedCost)
	// Grand total: 0.024 + (500*0.0025+500*0.01)/1000 + 1000*0.003/1000 = 0.03325
	require.Equal(t, "0.0333", report.EstimatedCost)
}

func TestDistributionShares(t *testing.T) {
	store, month := seedStore(t)
	reporter := New(store, testPricing())

	dist, err := reporter.Distribution(context.Background(), month)
	require.NoError(t, err)
	require.Equal(t, int64(5000), dist.ByProvider["anthropic"])
	require.Equal(t, int64(1000), dist.ByProvider["openai"])
	require.InDelta(t, 83.33, dist.Share["anthropic"], 0.05)
}

func TestDistributionEmptyMonth(t *testing.T) {
	store, _ := seedStore(t)
	reporter := New(store, testPricing())

	empty, err := monthkey.Parse("2020-01")
	require.NoError(t, err)
	dist, err := reporter.Distribution(context.Background(), empty)
	require.NoError(t, err)
	require.Empty(t, dist.ByProvider)
	require.Empty(t, dist.Share)
}
