package telemetry

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// QueryFilter selects events. Zero times mean unbounded; empty strings and
// nil slices mean no filter.
type QueryFilter struct {
	Types   []string
	Since   time.Time
	Until   time.Time
	TaskID  string
	Project string
	Limit   int
}

// Query streams the candidate partition files, applies the filters and
// returns the matches sorted by timestamp descending. Files whose filename
// date falls outside [Since, Until] are never opened. Malformed lines are
// skipped with a warning.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]Event, error) {
	files, err := s.candidateFiles(f.Since, f.Until)
	if err != nil {
		return nil, err
	}

	var sinceTS, untilTS string
	if !f.Since.IsZero() {
		sinceTS = FormatTime(f.Since)
	}
	if !f.Until.IsZero() {
		untilTS = FormatTime(f.Until)
	}

	var out []Event
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.scanFile(path, func(ev Event) {
			if len(f.Types) > 0 && !containsString(f.Types, ev.Type) {
				return
			}
			if sinceTS != "" && ev.Timestamp < sinceTS {
				return
			}
			if untilTS != "" && ev.Timestamp > untilTS {
				return
			}
			if f.TaskID != "" && ev.TaskID != f.TaskID {
				return
			}
			if f.Project != "" && ev.Project != f.Project {
				return
			}
			out = append(out, ev)
		}); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// BulkTaskEvents returns every event for each of the given tasks, keyed by
// task id, each slice sorted descending. Empty input short-circuits.
func (s *Store) BulkTaskEvents(ctx context.Context, taskIDs []string) (map[string][]Event, error) {
	out := make(map[string][]Event, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	wanted := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}
	events, err := s.Query(ctx, QueryFilter{})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if wanted[ev.TaskID] {
			out[ev.TaskID] = append(out[ev.TaskID], ev)
		}
	}
	return out, nil
}

// candidateFiles prunes by filename date so out-of-range files are never
// opened. Both .ndjson and .ndjson.gz partitions are considered.
func (s *Store) candidateFiles(since, until time.Time) ([]string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(s.dir, "events-*.ndjson*"))
	if err != nil {
		return nil, err
	}
	var sinceDate, untilDate string
	if !since.IsZero() {
		sinceDate = since.UTC().Format("2006-01-02")
	}
	if !until.IsZero() {
		untilDate = until.UTC().Format("2006-01-02")
	}
	var out []string
	for _, path := range matches {
		m := fileDatePattern.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		if sinceDate != "" && m[1] < sinceDate {
			continue
		}
		if untilDate != "" && m[1] > untilDate {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// scanFile streams one partition line by line, gunzipping transparently.
func (s *Store) scanFile(path string, yield func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			s.logger.Printf("telemetry: unreadable gzip %s: %v", path, err)
			return nil
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Printf("telemetry: skipping malformed line in %s: %v", filepath.Base(path), err)
			continue
		}
		yield(ev)
	}
	if err := sc.Err(); err != nil {
		s.logger.Printf("telemetry: scan %s: %v", path, err)
	}
	return nil
}

// Percentile returns the value at index ceil(p/100*n)-1 of an ascending
// sorted sequence, clamped to [0, n-1]. Empty input yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
