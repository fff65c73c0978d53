package telemetry

import (
	"encoding/csv"
	"io"
	"strconv"
)

// csvHeader is the union of all variant fields; absent fields export as
// empty strings.
var csvHeader = []string{
	"id", "timestamp", "type", "taskId", "project", "agent",
	"durationMs", "exitCode", "success", "error",
	"inputTokens", "outputTokens", "totalTokens", "cacheTokens",
}

// WriteCSV exports events as CSV with the union header.
func WriteCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range events {
		rec := []string{
			ev.ID, ev.Timestamp, ev.Type, ev.TaskID, ev.Project, ev.Agent,
			csvInt(ev.DurationMs),
			csvIntPtr(ev.ExitCode),
			csvBoolPtr(ev.Success),
			ev.Error,
			csvInt(ev.InputTokens),
			csvInt(ev.OutputTokens),
			csvInt(ev.TotalTokens),
			csvInt(ev.CacheTokens),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func csvIntPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func csvBoolPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
