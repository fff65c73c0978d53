// Package metrics derives run, token, duration, trend, budget and velocity
// metrics from the task store and the telemetry event stream. Everything here
// is read-only.
package metrics

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/obadiaha/veritas-kanban/internal/board"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// Period is the metrics lookback window.
type Period string

const (
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
)

// DefaultAgent is attributed to events that carry no agent field.
const DefaultAgent = "veritas"

// Duration returns the window length for a period.
func (p Period) Duration() (time.Duration, error) {
	switch p {
	case Period24h:
		return 24 * time.Hour, nil
	case Period7d:
		return 7 * 24 * time.Hour, nil
	case Period30d:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid period %q (want 24h|7d|30d)", string(p))
	}
}

// Aggregator computes metrics over a task store and a telemetry store.
type Aggregator struct {
	tasks     board.Store
	telemetry *telemetry.Store
	logger    *log.Logger
	now       func() time.Time
}

// New creates an Aggregator.
func New(tasks board.Store, ts *telemetry.Store) *Aggregator {
	return &Aggregator{
		tasks:     tasks,
		telemetry: ts,
		logger:    log.New(os.Stderr, "[veritas-metrics] ", log.LstdFlags),
		now:       time.Now,
	}
}

// TaskMetrics counts tasks by status, blocked tasks by reason category, and
// completed tasks (done plus archived).
type TaskMetrics struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"byStatus"`
	Completed         int            `json:"completed"`
	BlockedByCategory map[string]int `json:"blockedByCategory"`
}

// TaskMetrics aggregates the current board state, optionally scoped to one
// project.
func (a *Aggregator) TaskMetrics(ctx context.Context, project string) (TaskMetrics, error) {
	active, err := a.tasks.List(ctx)
	if err != nil {
		return TaskMetrics{}, err
	}
	archived, err := a.tasks.ListArchived(ctx)
	if err != nil {
		return TaskMetrics{}, err
	}

	m := TaskMetrics{ByStatus: map[string]int{}, BlockedByCategory: map[string]int{}}
	for _, t := range active {
		if project != "" && t.Project != project {
			continue
		}
		m.Total++
		m.ByStatus[t.Status]++
		if t.Status == board.StatusDone {
			m.Completed++
		}
		if t.Status == board.StatusBlocked {
			category := "unspecified"
			if t.BlockedReason != nil && t.BlockedReason.Category != "" {
				category = t.BlockedReason.Category
			}
			m.BlockedByCategory[category]++
		}
	}
	for _, t := range archived {
		if project != "" && t.Project != project {
			continue
		}
		m.Total++
		m.Completed++
	}
	return m, nil
}

// AgentRunStats is the per-agent slice of RunMetrics.
type AgentRunStats struct {
	Runs          int     `json:"runs"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"successRate"`
	ErrorRate     float64 `json:"errorRate"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// RunMetrics summarizes run.completed and run.error events.
type RunMetrics struct {
	TotalRuns     int                      `json:"totalRuns"`
	Succeeded     int                      `json:"succeeded"`
	Failed        int                      `json:"failed"`
	SuccessRate   float64                  `json:"successRate"`
	ErrorRate     float64                  `json:"errorRate"`
	AvgDurationMs float64                  `json:"avgDurationMs"`
	ByAgent       map[string]AgentRunStats `json:"byAgent"`
}

// TokenMetrics summarizes run.tokens events.
type TokenMetrics struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CacheTokens  int64   `json:"cacheTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	AvgTokens    float64 `json:"avgTokens"`
	P50Tokens    float64 `json:"p50Tokens"`
	P95Tokens    float64 `json:"p95Tokens"`
}

// DurationMetrics summarizes run durations over run.completed events with a
// positive durationMs.
type DurationMetrics struct {
	AvgMs   float64            `json:"avgMs"`
	P50Ms   float64            `json:"p50Ms"`
	P95Ms   float64            `json:"p95Ms"`
	ByAgent map[string]float64 `json:"byAgentAvgMs"`
}

// AllMetrics bundles the streaming metrics built from a single read.
type AllMetrics struct {
	Runs      RunMetrics      `json:"runs"`
	Tokens    TokenMetrics    `json:"tokens"`
	Durations DurationMetrics `json:"durations"`
}

// RunMetrics streams run outcomes for the period.
func (a *Aggregator) RunMetrics(ctx context.Context, period Period, project string) (RunMetrics, error) {
	events, err := a.eventsSince(ctx, period, project,
		telemetry.TypeRunCompleted, telemetry.TypeRunError)
	if err != nil {
		return RunMetrics{}, err
	}
	return buildRunMetrics(events), nil
}

// TokenMetrics streams run.tokens for the period.
func (a *Aggregator) TokenMetrics(ctx context.Context, period Period, project string) (TokenMetrics, error) {
	events, err := a.eventsSince(ctx, period, project, telemetry.TypeRunTokens)
	if err != nil {
		return TokenMetrics{}, err
	}
	return buildTokenMetrics(events), nil
}

// DurationMetrics streams run.completed for the period.
func (a *Aggregator) DurationMetrics(ctx context.Context, period Period, project string) (DurationMetrics, error) {
	events, err := a.eventsSince(ctx, period, project, telemetry.TypeRunCompleted)
	if err != nil {
		return DurationMetrics{}, err
	}
	return buildDurationMetrics(events), nil
}

// AllMetrics builds run, token and duration metrics from one pass over the
// candidate files, branching on event type.
func (a *Aggregator) AllMetrics(ctx context.Context, period Period, project string) (AllMetrics, error) {
	events, err := a.eventsSince(ctx, period, project,
		telemetry.TypeRunCompleted, telemetry.TypeRunError, telemetry.TypeRunTokens)
	if err != nil {
		return AllMetrics{}, err
	}
	return AllMetrics{
		Runs:      buildRunMetrics(events),
		Tokens:    buildTokenMetrics(events),
		Durations: buildDurationMetrics(events),
	}, nil
}

func (a *Aggregator) eventsSince(ctx context.Context, period Period, project string, types ...string) ([]telemetry.Event, error) {
	d, err := period.Duration()
	if err != nil {
		return nil, err
	}
	return a.telemetry.Query(ctx, telemetry.QueryFilter{
		Types:   types,
		Since:   a.now().Add(-d),
		Project: project,
	})
}

func eventAgent(ev telemetry.Event) string {
	if ev.Agent == "" {
		return DefaultAgent
	}
	return ev.Agent
}

func buildRunMetrics(events []telemetry.Event) RunMetrics {
	m := RunMetrics{ByAgent: map[string]AgentRunStats{}}
	durations := map[string][]float64{}
	var totalDuration float64
	var durationCount int
	for _, ev := range events {
		if ev.Type != telemetry.TypeRunCompleted && ev.Type != telemetry.TypeRunError {
			continue
		}
		agent := eventAgent(ev)
		st := m.ByAgent[agent]
		st.Runs++
		m.TotalRuns++
		if ev.Failed() {
			st.Failed++
			m.Failed++
		} else {
			st.Succeeded++
			m.Succeeded++
		}
		if ev.Type == telemetry.TypeRunCompleted && ev.DurationMs > 0 {
			durations[agent] = append(durations[agent], float64(ev.DurationMs))
			totalDuration += float64(ev.DurationMs)
			durationCount++
		}
		m.ByAgent[agent] = st
	}
	if m.TotalRuns > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(m.TotalRuns) * 100
		m.ErrorRate = float64(m.Failed) / float64(m.TotalRuns) * 100
	}
	if durationCount > 0 {
		m.AvgDurationMs = totalDuration / float64(durationCount)
	}
	for agent, st := range m.ByAgent {
		st.SuccessRate = float64(st.Succeeded) / float64(st.Runs) * 100
		st.ErrorRate = float64(st.Failed) / float64(st.Runs) * 100
		if ds := durations[agent]; len(ds) > 0 {
			var sum float64
			for _, d := range ds {
				sum += d
			}
			st.AvgDurationMs = sum / float64(len(ds))
		}
		m.ByAgent[agent] = st
	}
	return m
}

func buildTokenMetrics(events []telemetry.Event) TokenMetrics {
	var m TokenMetrics
	var totals []float64
	for _, ev := range events {
		if ev.Type != telemetry.TypeRunTokens {
			continue
		}
		m.InputTokens += ev.InputTokens
		m.OutputTokens += ev.OutputTokens
		m.CacheTokens += ev.CacheTokens
		total := ev.TotalTokens
		if total == 0 {
			total = ev.InputTokens + ev.OutputTokens
		}
		m.TotalTokens += total
		totals = append(totals, float64(total))
	}
	if len(totals) > 0 {
		m.AvgTokens = float64(m.TotalTokens) / float64(len(totals))
		sort.Float64s(totals)
		m.P50Tokens = telemetry.Percentile(totals, 50)
		m.P95Tokens = telemetry.Percentile(totals, 95)
	}
	return m
}

func buildDurationMetrics(events []telemetry.Event) DurationMetrics {
	m := DurationMetrics{ByAgent: map[string]float64{}}
	var all []float64
	perAgent := map[string][]float64{}
	for _, ev := range events {
		if ev.Type != telemetry.TypeRunCompleted || ev.DurationMs <= 0 {
			continue
		}
		d := float64(ev.DurationMs)
		all = append(all, d)
		agent := eventAgent(ev)
		perAgent[agent] = append(perAgent[agent], d)
	}
	if len(all) == 0 {
		return m
	}
	var sum float64
	for _, d := range all {
		sum += d
	}
	m.AvgMs = sum / float64(len(all))
	sort.Float64s(all)
	m.P50Ms = telemetry.Percentile(all, 50)
	m.P95Ms = telemetry.Percentile(all, 95)
	for agent, ds := range perAgent {
		var s float64
		for _, d := range ds {
			s += d
		}
		m.ByAgent[agent] = s / float64(len(ds))
	}
	return m
}
