package gcode

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformedDuration = errors.New("malformed duration")

var durationPattern = regexp.MustCompile(`(\d+)h\s*(\d+)m\s*(\d+)s|(\d+)m\s*(\d+)s|(\d+)s`)

// ParseDuration converts slicer duration text such as "1h 2m 3s", "5m 9s" or
// "45s" into seconds. The first matching form wins.
func ParseDuration(text string) (int, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, ErrMalformedDuration
	}

	switch {
	case m[1] != "":
		return atoi(m[1])*3600 + atoi(m[2])*60 + atoi(m[3]), nil
	case m[4] != "":
		return atoi(m[4])*60 + atoi(m[5]), nil
	default:
		return atoi(m[6]), nil
	}
}

// SumWeights adds up a comma separated list of per-filament weights.
// Entries that are not numbers count as zero.
func SumWeights(text string) float64 {
	var total float64
	for _, part := range strings.Split(text, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		total += v
	}
	return Round2(total)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
