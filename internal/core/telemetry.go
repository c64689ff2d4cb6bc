package core

import (
	"encoding/json"
	"math"
	"strconv"
)

// Report is the subset of the cumulative telemetry snapshot the state
// machine acts on.
type Report struct {
	HasPrint         bool
	State            string
	ContentHash      string
	File             string
	Title            string
	TaskID           string
	SpeedLevel       int
	HasSpeed         bool
	RemainingMinutes int
	Percent          int
}

func ReportFromSnapshot(snapshot map[string]any) Report {
	p, ok := snapshot["print"].(map[string]any)
	if !ok {
		return Report{}
	}

	r := Report{
		HasPrint:    true,
		State:       stringField(p, "gcode_state"),
		ContentHash: stringField(p, "md5"),
		File:        stringField(p, "gcode_file"),
		Title:       stringField(p, "subtask_name"),
		TaskID:      stringField(p, "task_id"),
	}
	if r.File == "" {
		r.File = stringField(p, "file")
	}
	r.SpeedLevel, r.HasSpeed = intField(p, "spd_lvl")
	r.RemainingMinutes, _ = intField(p, "mc_remaining_time")
	r.Percent, _ = intField(p, "mc_percent")
	return r
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
