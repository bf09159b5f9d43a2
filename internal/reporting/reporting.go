package reporting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/agentops/governor/internal/monthkey"
	"github.com/agentops/governor/internal/usage"
)

// Pricing is the per-1K-token price card for one provider slot.
type Pricing struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
	Currency    string
}

// PricingFromFloats converts config floats into exact decimals once, at
// startup, so report math never accumulates binary float error.
func PricingFromFloats(inputPer1K, outputPer1K float64, currency string) Pricing {
	if currency == "" {
		currency = "USD"
	}
	return Pricing{
		InputPer1K:  decimal.NewFromFloat(inputPer1K),
		OutputPer1K: decimal.NewFromFloat(outputPer1K),
		Currency:    currency,
	}
}

// Cost prices a token pair against the card, floored at zero.
func (p Pricing) Cost(tokensIn, tokensOut int64) decimal.Decimal {
	if p.InputPer1K.IsZero() && p.OutputPer1K.IsZero() {
		return decimal.Zero
	}
	thousand := decimal.NewFromInt(1000)
	inCost := p.InputPer1K.Mul(decimal.NewFromInt(tokensIn)).Div(thousand)
	outCost := p.OutputPer1K.Mul(decimal.NewFromInt(tokensOut)).Div(thousand)
	total := inCost.Add(outCost)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// ProviderUsage is one provider's slice of an agent's month.
type ProviderUsage struct {
	Provider      usage.ProviderID `json:"provider"`
	TokensIn      int64            `json:"tokens_in"`
	TokensOut     int64            `json:"tokens_out"`
	TotalTokens   int64            `json:"total_tokens"`
	RequestCount  int64            `json:"request_count"`
	MonthlyLimit  int64            `json:"monthly_limit"`
	UsagePercent  float64          `json:"usage_percent"`
	Status        usage.Status     `json:"status"`
	EstimatedCost string           `json:"estimated_cost"`
	Currency      string           `json:"currency"`
}

// AgentReport aggregates one agent's providers for the month.
type AgentReport struct {
	Agent       usage.AgentID   `json:"agent"`
	Providers   []ProviderUsage `json:"providers"`
	TotalTokens int64           `json:"total_tokens"`
}

// MonthReport is the full picture for one calendar month.
type MonthReport struct {
	Month         monthkey.Key  `json:"month"`
	Agents        []AgentReport `json:"agents"`
	TotalTokens   int64         `json:"total_tokens"`
	TotalRequests int64         `json:"total_requests"`
	EstimatedCost string        `json:"estimated_cost"`
	Currency      string        `json:"currency"`
}

// Distribution summarizes how the month's traffic split across providers,
// for capacity reviews.
type Distribution struct {
	Month      monthkey.Key                 `json:"month"`
	ByProvider map[usage.ProviderID]int64   `json:"tokens_by_provider"`
	Share      map[usage.ProviderID]float64 `json:"share_by_provider"`
}

// Reporter derives read-only monthly views from the usage store.
type Reporter struct {
	store   usage.Store
	pricing map[usage.ProviderID]Pricing
}

func New(store usage.Store, pricing map[usage.ProviderID]Pricing) *Reporter {
	return &Reporter{store: store, pricing: pricing}
}

// Month builds the per-agent report for one month, sorted by agent id.
func (r *Reporter) Month(ctx context.Context, month monthkey.Key) (MonthReport, error) {
	records, err := r.store.ListMonth(ctx, month)
	if err != nil {
		return MonthReport{}, fmt.Errorf("list month %s: %w", month, err)
	}

	byAgent := make(map[usage.AgentID]*AgentReport)
	report := MonthReport{Month: month, Currency: r.currency()}
	totalCost := decimal.Zero

	for _, rec := range records {
		ar, ok := byAgent[rec.Key.Agent]
		if !ok {
			ar = &AgentReport{Agent: rec.Key.Agent}
			byAgent[rec.Key.Agent] = ar
		}
		price := r.pricing[rec.Key.Provider]
		cost := price.Cost(rec.TokensIn, rec.TokensOut)
		totalCost = totalCost.Add(cost)

		ar.Providers = append(ar.Providers, ProviderUsage{
			Provider:      rec.Key.Provider,
			TokensIn:      rec.TokensIn,
			TokensOut:     rec.TokensOut,
			TotalTokens:   rec.TotalTokens,
			RequestCount:  rec.RequestCount,
			MonthlyLimit:  rec.MonthlyLimit,
			UsagePercent:  rec.UsagePercent(),
			Status:        rec.Status,
			EstimatedCost: cost.Round(4).String(),
			Currency:      price.Currency,
		})
		ar.TotalTokens += rec.TotalTokens
		report.TotalTokens += rec.TotalTokens
		report.TotalRequests += rec.RequestCount
	}

	report.Agents = make([]AgentReport, 0, len(byAgent))
	for _, ar := range byAgent {
		sort.Slice(ar.Providers, func(i, j int) bool {
			return ar.Providers[i].Provider < ar.Providers[j].Provider
		})
		report.Agents = append(report.Agents, *ar)
	}
	sort.Slice(report.Agents, func(i, j int) bool {
		return report.Agents[i].Agent < report.Agents[j].Agent
	})
	report.EstimatedCost = totalCost.Round(4).String()
	return report, nil
}

// Distribution reports each provider's token share of the month.
func (r *Reporter) Distribution(ctx context.Context, month monthkey.Key) (Distribution, error) {
	records, err := r.store.ListMonth(ctx, month)
	if err != nil {
		return Distribution{}, fmt.Errorf("list month %s: %w", month, err)
	}

	dist := Distribution{
		Month:      month,
		ByProvider: make(map[usage.ProviderID]int64),
		Share:      make(map[usage.ProviderID]float64),
	}
	var total int64
	for _, rec := range records {
		dist.ByProvider[rec.Key.Provider] += rec.TotalTokens
		total += rec.TotalTokens
	}
	if total > 0 {
		for provider, tokens := range dist.ByProvider {
			dist.Share[provider] = float64(tokens) / float64(total) * 100
		}
	}
	return dist, nil
}

// History exposes an agent's retained months for one provider, newest first.
func (r *Reporter) History(ctx context.Context, agent usage.AgentID, provider usage.ProviderID, months int) ([]usage.Record, error) {
	if months <= 0 {
		months = 6
	}
	records, err := r.store.History(ctx, agent, provider, months)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", agent, provider, err)
	}
	return records, nil
}

func (r *Reporter) currency() string {
	for _, p := range r.pricing {
		if p.Currency != "" {
			return p.Currency
		}
	}
	return "USD"
}
