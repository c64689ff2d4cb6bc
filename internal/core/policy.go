package core

import (
	"fmt"
	"time"

	"github.com/bitlair/Print-manager/internal/config"
)

// Window is an inclusive range of minutes since midnight.
type Window struct {
	Start int `json:"start_minute"`
	End   int `json:"end_minute"`
}

func (w Window) Contains(minute int) bool {
	return minute >= w.Start && minute <= w.End
}

// Policy is the shared operating-hours policy. Outside its windows printers
// are not policed and access grants are not issued.
type Policy struct {
	windows      map[int]Window
	speedCap     int
	alwaysActive bool
}

type PolicyView struct {
	OperatingHours map[int]Window `json:"operating_hours"`
	SpeedCap       int            `json:"speed_cap"`
	AlwaysActive   bool           `json:"always_active"`
}

// NewPolicy widens every configured window by the buffer on both ends.
func NewPolicy(cfg config.PolicyConfig) (*Policy, error) {
	buffer := int(cfg.Buffer / time.Minute)
	windows := make(map[int]Window, len(cfg.OperatingHours))
	for day, w := range cfg.OperatingHours {
		start, err := config.ParseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("weekday %d: %w", day, err)
		}
		end, err := config.ParseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("weekday %d: %w", day, err)
		}
		windows[day] = Window{Start: start - buffer, End: end + buffer}
	}

	speedCap := cfg.SpeedCap
	if speedCap < 1 {
		speedCap = 2
	}

	return &Policy{
		windows:      windows,
		speedCap:     speedCap,
		alwaysActive: cfg.AlwaysActive,
	}, nil
}

// Active reports whether t falls inside the window of its ISO weekday.
func (p *Policy) Active(t time.Time) bool {
	if p.alwaysActive {
		return true
	}
	w, ok := p.windows[isoWeekday(t)]
	if !ok {
		return false
	}
	return w.Contains(t.Hour()*60 + t.Minute())
}

func (p *Policy) SpeedCap() int { return p.speedCap }

func (p *Policy) View() PolicyView {
	hours := make(map[int]Window, len(p.windows))
	for day, w := range p.windows {
		hours[day] = w
	}
	return PolicyView{
		OperatingHours: hours,
		SpeedCap:       p.speedCap,
		AlwaysActive:   p.alwaysActive,
	}
}

func isoWeekday(t time.Time) int {
	if d := t.Weekday(); d != time.Sunday {
		return int(d)
	}
	return 7
}
