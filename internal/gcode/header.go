package gcode

import (
	"bufio"
	"io"
	"strings"
)

const (
	// HeaderScanLines bounds the header scan; slicer summaries sit well
	// before the first motion command.
	HeaderScanLines = 200

	// HeaderTrustThreshold marks header values too small to believe. When
	// both weight and time are at or below it the caller should simulate.
	HeaderTrustThreshold = 5

	timeAnnotation = "total estimated time"
)

type HeaderInfo struct {
	WeightGrams      float64
	EstimatedSeconds int
}

// Trusted reports whether the header result is plausible enough to use.
func (h HeaderInfo) Trusted(threshold float64) bool {
	return h.WeightGrams > threshold || float64(h.EstimatedSeconds) > threshold
}

// ParseHeader scans the leading lines of a G-code file for the summary
// annotations slicers embed there. Values that are not found are zero.
func ParseHeader(r io.Reader) (HeaderInfo, error) {
	var info HeaderInfo
	var timeFound, weightFound bool

	scanner := newLineScanner(r)
	for index := 0; index < HeaderScanLines && scanner.Scan(); index++ {
		line := scanner.Text()

		if i := strings.Index(line, timeAnnotation); i >= 0 {
			rest := line[i+len(timeAnnotation):]
			rest = strings.TrimLeft(rest, " ")
			rest = strings.TrimPrefix(rest, ":")
			if secs, err := ParseDuration(rest); err == nil {
				info.EstimatedSeconds = secs
				timeFound = true
			}
		}

		if strings.Contains(line, "weight") {
			if _, value, ok := strings.Cut(line, ":"); ok {
				info.WeightGrams = SumWeights(firstField(value))
				weightFound = true
			}
		}

		if timeFound && weightFound {
			break
		}
	}

	if err := scanner.Err(); err != nil && err != bufio.ErrTooLong {
		return info, err
	}
	return info, nil
}

// firstField drops anything after a second colon so "a : 1.5 : x" reads 1.5.
func firstField(s string) string {
	if before, _, ok := strings.Cut(s, ":"); ok {
		return before
	}
	return s
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return scanner
}
