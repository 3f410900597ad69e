package history

// Stats is derived from a history snapshot on demand and never stored.
type Stats struct {
	Results           int            `json:"results"`
	TotalCount        int            `json:"total_count"`
	PerClassCount     map[string]int `json:"per_class_count"`
	AverageConfidence float64        `json:"average_confidence"`
}

// ComputeStats counts the classifications in results. An empty input yields zero counts and a zero
// average.
func ComputeStats(results []Result) Stats {
	s := Stats{
		Results:       len(results),
		PerClassCount: make(map[string]int),
	}
	var sum float64
	for _, r := range results {
		for _, c := range r.Classifications {
			s.TotalCount++
			s.PerClassCount[c.ClassName]++
			sum += c.Confidence
		}
	}
	if s.TotalCount > 0 {
		s.AverageConfidence = sum / float64(s.TotalCount)
	}
	return s
}
