package metrics

import (
	"context"
	"regexp"
	"sort"
	"strconv"

	"github.com/obadiaha/veritas-kanban/internal/board"
)

// Velocity trend labels.
const (
	VelocityAccelerating = "accelerating"
	VelocitySlowing      = "slowing"
	VelocitySteady       = "steady"
)

// DefaultVelocityLimit bounds the number of sprints returned.
const DefaultVelocityLimit = 10

var sprintSuffix = regexp.MustCompile(`(\d+)\s*$`)

// SprintVelocity is one sprint's completion summary.
type SprintVelocity struct {
	Sprint         string         `json:"sprint"`
	Completed      int            `json:"completed"`
	Total          int            `json:"total"`
	RollingAverage float64        `json:"rollingAverage"`
	ByType         map[string]int `json:"byType"`
}

// VelocityMetrics groups tasks by sprint label.
type VelocityMetrics struct {
	Sprints []SprintVelocity `json:"sprints"`
	Trend   string           `json:"trend"`
}

// VelocityMetrics computes per-sprint completion counts with a rolling
// 3-sprint average. Sprints order by the numeric suffix of their label; the
// trend compares the mean of the last 3 sprints against the 3 before them.
func (a *Aggregator) VelocityMetrics(ctx context.Context, limit int, project string) (VelocityMetrics, error) {
	if limit <= 0 {
		limit = DefaultVelocityLimit
	}
	active, err := a.tasks.List(ctx)
	if err != nil {
		return VelocityMetrics{}, err
	}
	archived, err := a.tasks.ListArchived(ctx)
	if err != nil {
		return VelocityMetrics{}, err
	}

	bySprint := map[string]*SprintVelocity{}
	add := func(t board.Task, completed bool) {
		if t.Sprint == "" || (project != "" && t.Project != project) {
			return
		}
		sv, ok := bySprint[t.Sprint]
		if !ok {
			sv = &SprintVelocity{Sprint: t.Sprint, ByType: map[string]int{}}
			bySprint[t.Sprint] = sv
		}
		sv.Total++
		if completed {
			sv.Completed++
			sv.ByType[t.Type]++
		}
	}
	for _, t := range active {
		add(t, t.Status == board.StatusDone)
	}
	for _, t := range archived {
		add(t, true)
	}

	sprints := make([]SprintVelocity, 0, len(bySprint))
	for _, sv := range bySprint {
		sprints = append(sprints, *sv)
	}
	sort.Slice(sprints, func(i, j int) bool {
		ni, iok := sprintNumber(sprints[i].Sprint)
		nj, jok := sprintNumber(sprints[j].Sprint)
		if iok != jok {
			return !iok // unnumbered labels sort first
		}
		if iok && ni != nj {
			return ni < nj
		}
		return sprints[i].Sprint < sprints[j].Sprint
	})

	for i := range sprints {
		lo := i - 2
		if lo < 0 {
			lo = 0
		}
		sum := 0
		for j := lo; j <= i; j++ {
			sum += sprints[j].Completed
		}
		sprints[i].RollingAverage = float64(sum) / float64(i-lo+1)
	}

	trend := velocityTrend(sprints)
	if len(sprints) > limit {
		sprints = sprints[len(sprints)-limit:]
	}
	return VelocityMetrics{Sprints: sprints, Trend: trend}, nil
}

// velocityTrend compares mean completion of the last 3 sprints against the
// previous 3: >10% accelerating, <-10% slowing, else steady.
func velocityTrend(sprints []SprintVelocity) string {
	if len(sprints) < 2 {
		return VelocitySteady
	}
	last := meanCompleted(tail(sprints, 3))
	prevSlice := sprints[:len(sprints)-minInt(3, len(sprints))]
	if len(prevSlice) == 0 {
		return VelocitySteady
	}
	prev := meanCompleted(tail(prevSlice, 3))
	if prev == 0 {
		if last > 0 {
			return VelocityAccelerating
		}
		return VelocitySteady
	}
	change := (last - prev) / prev * 100
	switch {
	case change > 10:
		return VelocityAccelerating
	case change < -10:
		return VelocitySlowing
	default:
		return VelocitySteady
	}
}

func tail(s []SprintVelocity, n int) []SprintVelocity {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func meanCompleted(s []SprintVelocity) float64 {
	if len(s) == 0 {
		return 0
	}
	sum := 0
	for _, sv := range s {
		sum += sv.Completed
	}
	return float64(sum) / float64(len(s))
}

func sprintNumber(label string) (int, bool) {
	m := sprintSuffix.FindStringSubmatch(label)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
