package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lmartin/batfleet/internal/scheduler"
)

func TestDailyTriggerNextRun(t *testing.T) {
	trig := scheduler.DailyTrigger{Hour: 6, Minute: 0}

	tests := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{
			"before the slot fires today",
			time.Date(2026, 8, 30, 3, 15, 0, 0, time.Local),
			time.Date(2026, 8, 30, 6, 0, 0, 0, time.Local),
		},
		{
			"after the slot fires tomorrow",
			time.Date(2026, 8, 30, 9, 0, 0, 0, time.Local),
			time.Date(2026, 8, 31, 6, 0, 0, 0, time.Local),
		},
		{
			"exactly on the slot fires tomorrow",
			time.Date(2026, 8, 30, 6, 0, 0, 0, time.Local),
			time.Date(2026, 8, 31, 6, 0, 0, 0, time.Local),
		},
		{
			"month rollover",
			time.Date(2026, 8, 31, 23, 0, 0, 0, time.Local),
			time.Date(2026, 9, 1, 6, 0, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trig.NextRun(tt.after))
		})
	}
}

func TestIntervalTriggerNextRun(t *testing.T) {
	trig := scheduler.IntervalTrigger{Every: 10 * time.Minute}
	after := time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local)
	assert.Equal(t, after.Add(10*time.Minute), trig.NextRun(after))
}

func TestTriggerDescriptions(t *testing.T) {
	assert.Equal(t, "daily at 06:05", scheduler.DailyTrigger{Hour: 6, Minute: 5}.Describe())
	assert.Equal(t, "every 10m0s", scheduler.IntervalTrigger{Every: 10 * time.Minute}.Describe())
}
