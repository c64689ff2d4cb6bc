package extract

// Source records which stage of the pipeline produced a value.
type Source string

const (
	SourceNone       Source = ""
	SourceSliceInfo  Source = "slice_info"
	SourceHeader     Source = "header"
	SourceSimulation Source = "simulation"
)

var sourceRank = map[Source]int{
	SourceNone:       0,
	SourceSliceInfo:  1,
	SourceHeader:     2,
	SourceSimulation: 3,
}

type Preview struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// Metadata is the billing-relevant summary of one sliced job. It is built
// once per source file and never modified afterwards.
type Metadata struct {
	PlateIndex       int       `json:"plate_index"`
	WeightGrams      float64   `json:"weight_grams"`
	EstimatedSeconds int       `json:"estimated_time_seconds"`
	FilamentLengthMM float64   `json:"filament_length_mm"`
	Source           Source    `json:"source"`
	WeightSource     Source    `json:"weight_source"`
	TimeSource       Source    `json:"time_source"`
	Previews         []Preview `json:"preview_images"`
	OriginFilename   string    `json:"origin_filename"`
}

// MinimumBillableWeight is the smallest weight ever charged once a job is
// known to use filament at all.
const MinimumBillableWeight = 1.0

// ClampWeight applies the minimum billable unit to any positive weight.
func ClampWeight(w float64) float64 {
	if w > 0 && w < MinimumBillableWeight {
		return MinimumBillableWeight
	}
	return w
}

func leastAuthoritative(a, b Source) Source {
	if sourceRank[a] >= sourceRank[b] {
		return a
	}
	return b
}
