package extract

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

const SliceInfoPath = "Metadata/slice_info.config"

type sliceInfoDoc struct {
	Plates []slicePlate `xml:"plate"`
}

type slicePlate struct {
	Metadata  []sliceKV       `xml:"metadata"`
	Filaments []sliceFilament `xml:"filament"`
}

type sliceKV struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type sliceFilament struct {
	ID    string `xml:"id,attr"`
	Type  string `xml:"type,attr"`
	UsedM string `xml:"used_m,attr"`
	UsedG string `xml:"used_g,attr"`
}

type sliceInfo struct {
	PlateIndex       int
	EstimatedSeconds int
	WeightGrams      float64
	FilamentLengthMM float64
}

// parseSliceInfo reads the first plate of a slice_info sidecar. Any read or
// decode failure yields the zero result with an unknown plate index.
func parseSliceInfo(r io.Reader) sliceInfo {
	info := sliceInfo{PlateIndex: -1}

	var doc sliceInfoDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil || len(doc.Plates) == 0 {
		return info
	}
	plate := doc.Plates[0]

	for _, kv := range plate.Metadata {
		switch kv.Key {
		case "index":
			if n, err := strconv.Atoi(strings.TrimSpace(kv.Value)); err == nil && n >= 0 {
				info.PlateIndex = n
			}
		case "prediction":
			if n, ok := nonNegative(kv.Value); ok {
				info.EstimatedSeconds = int(n)
			}
		case "weight":
			if n, ok := nonNegative(kv.Value); ok {
				info.WeightGrams = n
			}
		}
	}

	var usedM, usedG float64
	for _, f := range plate.Filaments {
		if n, ok := nonNegative(f.UsedM); ok {
			usedM += n
		}
		if n, ok := nonNegative(f.UsedG); ok {
			usedG += n
		}
	}
	info.FilamentLengthMM = usedM * 1000
	if info.WeightGrams == 0 {
		info.WeightGrams = usedG
	}

	return info
}

func nonNegative(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
