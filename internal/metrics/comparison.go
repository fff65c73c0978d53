package metrics

import (
	"context"
	"sort"

	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// DefaultMinRuns is the minimum run count for an agent to be eligible for a
// recommendation.
const DefaultMinRuns = 3

// DefaultFailedRunsLimit bounds FailedRuns output.
const DefaultFailedRunsLimit = 50

// Reliability recommendations require at least this success rate.
const reliabilityFloorPct = 80.0

// AgentStats compares one agent's runs, speed, cost and token efficiency.
type AgentStats struct {
	Agent            string  `json:"agent"`
	Runs             int     `json:"runs"`
	Succeeded        int     `json:"succeeded"`
	SuccessRate      float64 `json:"successRate"`
	AvgDurationMs    float64 `json:"avgDurationMs"`
	TotalTokens      int64   `json:"totalTokens"`
	AvgCost          float64 `json:"avgCost"`
	TokensPerSuccess float64 `json:"tokensPerSuccess"`
}

// AgentComparison carries per-agent stats and the four recommendation slots:
// reliability, speed, cost, efficiency. A slot is empty when no agent
// qualifies.
type AgentComparison struct {
	Agents          []AgentStats      `json:"agents"`
	Recommendations map[string]string `json:"recommendations"`
}

// FailedRun is one failure entry: a run.completed with success=false or a
// run.error.
type FailedRun struct {
	Timestamp    string `json:"timestamp"`
	TaskID       string `json:"taskId,omitempty"`
	Project      string `json:"project,omitempty"`
	Agent        string `json:"agent"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

// AgentComparison builds per-agent totals for the period and recommends an
// agent per dimension among those with at least minRuns runs.
func (a *Aggregator) AgentComparison(ctx context.Context, period Period, minRuns int, project string) (AgentComparison, error) {
	if minRuns <= 0 {
		minRuns = DefaultMinRuns
	}
	events, err := a.eventsSince(ctx, period, project,
		telemetry.TypeRunCompleted, telemetry.TypeRunError, telemetry.TypeRunTokens)
	if err != nil {
		return AgentComparison{}, err
	}

	type accum struct {
		runs, succeeded   int
		durationSum       float64
		durationCount     int
		totalTokens       int64
		cost              float64
		successTokenTotal int64
	}
	agents := map[string]*accum{}
	get := func(name string) *accum {
		ac, ok := agents[name]
		if !ok {
			ac = &accum{}
			agents[name] = ac
		}
		return ac
	}
	for _, ev := range events {
		ac := get(eventAgent(ev))
		switch ev.Type {
		case telemetry.TypeRunCompleted, telemetry.TypeRunError:
			ac.runs++
			if !ev.Failed() {
				ac.succeeded++
			}
			if ev.Type == telemetry.TypeRunCompleted && ev.DurationMs > 0 {
				ac.durationSum += float64(ev.DurationMs)
				ac.durationCount++
			}
		case telemetry.TypeRunTokens:
			total := ev.TotalTokens
			if total == 0 {
				total = ev.InputTokens + ev.OutputTokens
			}
			ac.totalTokens += total
			ac.cost += float64(ev.InputTokens)/1000*inputCostPer1K + float64(ev.OutputTokens)/1000*outputCostPer1K
		}
	}

	out := AgentComparison{Recommendations: map[string]string{}}
	for name, ac := range agents {
		st := AgentStats{Agent: name, Runs: ac.runs, Succeeded: ac.succeeded, TotalTokens: ac.totalTokens}
		if ac.runs > 0 {
			st.SuccessRate = float64(ac.succeeded) / float64(ac.runs) * 100
			st.AvgCost = ac.cost / float64(ac.runs)
		}
		if ac.durationCount > 0 {
			st.AvgDurationMs = ac.durationSum / float64(ac.durationCount)
		}
		if ac.succeeded > 0 {
			st.TokensPerSuccess = float64(ac.totalTokens) / float64(ac.succeeded)
		}
		out.Agents = append(out.Agents, st)
	}
	sort.Slice(out.Agents, func(i, j int) bool { return out.Agents[i].Agent < out.Agents[j].Agent })

	var reliability, speed, cost, efficiency *AgentStats
	for i := range out.Agents {
		st := &out.Agents[i]
		if st.Runs < minRuns {
			continue
		}
		if st.SuccessRate >= reliabilityFloorPct && (reliability == nil || st.SuccessRate > reliability.SuccessRate) {
			reliability = st
		}
		if st.AvgDurationMs > 0 && (speed == nil || st.AvgDurationMs < speed.AvgDurationMs) {
			speed = st
		}
		if st.AvgCost > 0 && (cost == nil || st.AvgCost < cost.AvgCost) {
			cost = st
		}
		if st.TokensPerSuccess > 0 && (efficiency == nil || st.TokensPerSuccess < efficiency.TokensPerSuccess) {
			efficiency = st
		}
	}
	if reliability != nil {
		out.Recommendations["reliability"] = reliability.Agent
	}
	if speed != nil {
		out.Recommendations["speed"] = speed.Agent
	}
	if cost != nil {
		out.Recommendations["cost"] = cost.Agent
	}
	if efficiency != nil {
		out.Recommendations["efficiency"] = efficiency.Agent
	}
	return out, nil
}

// FailedRuns lists recent failures, newest first.
func (a *Aggregator) FailedRuns(ctx context.Context, period Period, limit int, project string) ([]FailedRun, error) {
	if limit <= 0 {
		limit = DefaultFailedRunsLimit
	}
	events, err := a.eventsSince(ctx, period, project,
		telemetry.TypeRunCompleted, telemetry.TypeRunError)
	if err != nil {
		return nil, err
	}
	var out []FailedRun
	for _, ev := range events {
		if !ev.Failed() {
			continue
		}
		out = append(out, FailedRun{
			Timestamp:    ev.Timestamp,
			TaskID:       ev.TaskID,
			Project:      ev.Project,
			Agent:        eventAgent(ev),
			ErrorMessage: ev.Error,
			DurationMs:   ev.DurationMs,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
