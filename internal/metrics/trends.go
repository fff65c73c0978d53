package metrics

import (
	"context"
	"math"

	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// Trend directions. Direction is a quality label: for tokens and duration,
// lower values are better, so a rise in value trends down.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// flatBandPct is the |change| band below which a trend reads flat.
const flatBandPct = 5.0

// TrendPoint compares one metric across the current and previous window.
type TrendPoint struct {
	Current   float64 `json:"current"`
	Previous  float64 `json:"previous"`
	ChangePct float64 `json:"changePct"`
	Direction string  `json:"direction"`
}

// Trends compares the period against the preceding equal-length window.
type Trends struct {
	Runs        TrendPoint `json:"runs"`
	SuccessRate TrendPoint `json:"successRate"`
	TotalTokens TrendPoint `json:"totalTokens"`
	AvgDuration TrendPoint `json:"avgDuration"`
}

// Trends computes period-over-period trends for runs, success rate, token
// usage and average duration.
func (a *Aggregator) Trends(ctx context.Context, period Period, project string) (Trends, error) {
	d, err := period.Duration()
	if err != nil {
		return Trends{}, err
	}
	now := a.now()
	currentEvents, err := a.telemetry.Query(ctx, telemetry.QueryFilter{
		Types:   []string{telemetry.TypeRunCompleted, telemetry.TypeRunError, telemetry.TypeRunTokens},
		Since:   now.Add(-d),
		Project: project,
	})
	if err != nil {
		return Trends{}, err
	}
	previousEvents, err := a.telemetry.Query(ctx, telemetry.QueryFilter{
		Types:   []string{telemetry.TypeRunCompleted, telemetry.TypeRunError, telemetry.TypeRunTokens},
		Since:   now.Add(-2 * d),
		Until:   now.Add(-d),
		Project: project,
	})
	if err != nil {
		return Trends{}, err
	}

	cur := windowSummary(currentEvents)
	prev := windowSummary(previousEvents)
	return Trends{
		Runs:        trendPoint(cur.runs, prev.runs, true),
		SuccessRate: trendPoint(cur.successRate, prev.successRate, true),
		TotalTokens: trendPoint(cur.totalTokens, prev.totalTokens, false),
		AvgDuration: trendPoint(cur.avgDuration, prev.avgDuration, false),
	}, nil
}

type windowStats struct {
	runs        float64
	successRate float64
	totalTokens float64
	avgDuration float64
}

func windowSummary(events []telemetry.Event) windowStats {
	runs := buildRunMetrics(events)
	tokens := buildTokenMetrics(events)
	return windowStats{
		runs:        float64(runs.TotalRuns),
		successRate: runs.SuccessRate,
		totalTokens: float64(tokens.TotalTokens),
		avgDuration: runs.AvgDurationMs,
	}
}

// trendPoint labels the change between two window values. higherBetter flips
// the label for metrics where a rising value is a regression.
func trendPoint(current, previous float64, higherBetter bool) TrendPoint {
	var changePct float64
	switch {
	case previous == 0 && current == 0:
		changePct = 0
	case previous == 0:
		changePct = 100
	default:
		changePct = (current - previous) / previous * 100
	}
	direction := TrendFlat
	if math.Abs(changePct) >= flatBandPct {
		valueUp := changePct > 0
		if valueUp == higherBetter {
			direction = TrendUp
		} else {
			direction = TrendDown
		}
	}
	return TrendPoint{Current: current, Previous: previous, ChangePct: changePct, Direction: direction}
}
