package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitlair/Print-manager/internal/config"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestMerge(t *testing.T) {
	snapshot := decode(t, `{"print":{"gcode_state":"RUNNING","mc_percent":10,"ams":{"tray":[1,2,3],"humidity":"4"}},"info":{"module":["a"]}}`)
	delta := decode(t, `{"print":{"mc_percent":11,"ams":{"tray":[9]}},"upgrade":{"status":"idle"}}`)

	merged := Merge(snapshot, delta)

	want := decode(t, `{"print":{"gcode_state":"RUNNING","mc_percent":11,"ams":{"tray":[9],"humidity":"4"}},"info":{"module":["a"]},"upgrade":{"status":"idle"}}`)
	assert.Equal(t, want, merged)

	// inputs are left as they were
	assert.Equal(t, 10.0, snapshot["print"].(map[string]any)["mc_percent"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, snapshot["print"].(map[string]any)["ams"].(map[string]any)["tray"])
}

func TestMerge_NilSnapshotAndTypeChange(t *testing.T) {
	merged := Merge(nil, decode(t, `{"print":{"md5":"abc"}}`))
	assert.Equal(t, "abc", merged["print"].(map[string]any)["md5"])

	merged = Merge(decode(t, `{"print":"offline"}`), decode(t, `{"print":{"md5":"abc"}}`))
	assert.Equal(t, map[string]any{"md5": "abc"}, merged["print"])

	merged = Merge(decode(t, `{"print":{"md5":"abc"}}`), decode(t, `{"print":null}`))
	assert.Nil(t, merged["print"])
}

func TestReportFromSnapshot(t *testing.T) {
	r := ReportFromSnapshot(decode(t, `{"print":{
		"gcode_state":"RUNNING","md5":"m1","gcode_file":"/data/Metadata/plate_1.gcode",
		"subtask_name":"Benchy","task_id":123456,"spd_lvl":"4",
		"mc_remaining_time":42,"mc_percent":17}}`))

	assert.True(t, r.HasPrint)
	assert.Equal(t, StateRunning, r.State)
	assert.Equal(t, "m1", r.ContentHash)
	assert.Equal(t, "/data/Metadata/plate_1.gcode", r.File)
	assert.Equal(t, "Benchy", r.Title)
	assert.Equal(t, "123456", r.TaskID)
	assert.True(t, r.HasSpeed)
	assert.Equal(t, 4, r.SpeedLevel)
	assert.Equal(t, 42, r.RemainingMinutes)
	assert.Equal(t, 17, r.Percent)

	assert.False(t, ReportFromSnapshot(decode(t, `{"info":{}}`)).HasPrint)
	assert.Equal(t, "x.gcode", ReportFromSnapshot(decode(t, `{"print":{"file":"x.gcode"}}`)).File)
	_, has := intField(map[string]any{"spd_lvl": "fast"}, "spd_lvl")
	assert.False(t, has)
}

func TestPolicy_Active(t *testing.T) {
	p, err := NewPolicy(config.PolicyConfig{
		OperatingHours: map[int]config.WindowConfig{
			5: {Start: "19:00", End: "22:00"},
			7: {Start: "10:00", End: "12:00"},
		},
		Buffer:   30 * time.Minute,
		SpeedCap: 2,
	})
	require.NoError(t, err)

	at := func(day, clock string) time.Time {
		ts, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, time.Local)
		require.NoError(t, err)
		return ts
	}

	// 2024-05-03 is a Friday, 2024-05-05 a Sunday.
	assert.False(t, p.Active(at("2024-05-03", "18:29")))
	assert.True(t, p.Active(at("2024-05-03", "18:30")))
	assert.True(t, p.Active(at("2024-05-03", "22:30")))
	assert.False(t, p.Active(at("2024-05-03", "22:31")))
	assert.True(t, p.Active(at("2024-05-05", "11:00")))
	assert.False(t, p.Active(at("2024-05-04", "11:00")))

	view := p.View()
	assert.Equal(t, Window{Start: 1110, End: 1350}, view.OperatingHours[5])
	assert.Equal(t, 2, view.SpeedCap)
}

func TestPolicy_AlwaysActive(t *testing.T) {
	p, err := NewPolicy(config.PolicyConfig{AlwaysActive: true})
	require.NoError(t, err)
	assert.True(t, p.Active(time.Now()))
	assert.Equal(t, 2, p.SpeedCap())
}

func TestPolicy_InvalidClock(t *testing.T) {
	_, err := NewPolicy(config.PolicyConfig{
		OperatingHours: map[int]config.WindowConfig{1: {Start: "late", End: "22:00"}},
	})
	assert.Error(t, err)
}
