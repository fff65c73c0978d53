package metrics

import (
	"context"
	"time"

	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// Budget statuses.
const (
	BudgetOK      = "ok"
	BudgetWarning = "warning"
	BudgetDanger  = "danger"
)

// Token pricing in USD per 1000 tokens.
const (
	inputCostPer1K  = 0.01
	outputCostPer1K = 0.03
)

// BudgetMetrics reports month-to-date token and cost usage against budgets,
// with a daily burn rate extrapolated to month end.
type BudgetMetrics struct {
	TokenBudget        int64   `json:"tokenBudget"`
	CostBudget         float64 `json:"costBudget"`
	TokensUsed         int64   `json:"tokensUsed"`
	CostUsed           float64 `json:"costUsed"`
	TokenBurnRate      float64 `json:"tokenBurnRate"`
	CostBurnRate       float64 `json:"costBurnRate"`
	TokensProjected    float64 `json:"tokensProjected"`
	CostProjected      float64 `json:"costProjected"`
	TokenUsedPct       float64 `json:"tokenUsedPct"`
	CostUsedPct        float64 `json:"costUsedPct"`
	TokenProjectedPct  float64 `json:"tokenProjectedPct"`
	CostProjectedPct   float64 `json:"costProjectedPct"`
	DaysElapsed        int     `json:"daysElapsed"`
	DaysInMonth        int     `json:"daysInMonth"`
	Status             string  `json:"status"`
	WarningThresholdPc float64 `json:"warningThreshold"`
}

// BudgetMetrics scopes usage to the current calendar month.
func (a *Aggregator) BudgetMetrics(ctx context.Context, tokenBudget int64, costBudget, warningThreshold float64, project string) (BudgetMetrics, error) {
	now := a.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	daysElapsed := now.Day()
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()

	events, err := a.telemetry.Query(ctx, telemetry.QueryFilter{
		Types:   []string{telemetry.TypeRunTokens},
		Since:   monthStart,
		Project: project,
	})
	if err != nil {
		return BudgetMetrics{}, err
	}

	m := BudgetMetrics{
		TokenBudget:        tokenBudget,
		CostBudget:         costBudget,
		DaysElapsed:        daysElapsed,
		DaysInMonth:        daysInMonth,
		WarningThresholdPc: warningThreshold,
	}
	for _, ev := range events {
		total := ev.TotalTokens
		if total == 0 {
			total = ev.InputTokens + ev.OutputTokens
		}
		m.TokensUsed += total
		m.CostUsed += float64(ev.InputTokens)/1000*inputCostPer1K + float64(ev.OutputTokens)/1000*outputCostPer1K
	}

	m.TokenBurnRate = float64(m.TokensUsed) / float64(daysElapsed)
	m.CostBurnRate = m.CostUsed / float64(daysElapsed)
	m.TokensProjected = m.TokenBurnRate * float64(daysInMonth)
	m.CostProjected = m.CostBurnRate * float64(daysInMonth)

	if tokenBudget > 0 {
		m.TokenUsedPct = float64(m.TokensUsed) / float64(tokenBudget) * 100
		m.TokenProjectedPct = m.TokensProjected / float64(tokenBudget) * 100
	}
	if costBudget > 0 {
		m.CostUsedPct = m.CostUsed / costBudget * 100
		m.CostProjectedPct = m.CostProjected / costBudget * 100
	}

	switch {
	case m.TokenUsedPct >= 100 || m.CostUsedPct >= 100:
		m.Status = BudgetDanger
	case m.TokenUsedPct >= warningThreshold || m.CostUsedPct >= warningThreshold ||
		m.TokenProjectedPct >= warningThreshold || m.CostProjectedPct >= warningThreshold:
		m.Status = BudgetWarning
	default:
		m.Status = BudgetOK
	}
	return m, nil
}
