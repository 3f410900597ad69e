package history

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/filter"
)

// TimestampLayout is ISO-8601 with millisecond precision, as written into exports.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Export is the interchange document. Field names are fixed; existing exported files must keep
// parsing.
type Export struct {
	Timestamp    string         `json:"timestamp"`
	TotalResults int            `json:"total_results"`
	Results      []ExportResult `json:"results"`
}

// ExportResult is one result inside an Export.
type ExportResult struct {
	Timestamp       string            `json:"timestamp"`
	DetectionsCount int               `json:"detections_count"`
	Detections      []ExportDetection `json:"detections"`
}

// ExportDetection is one classification inside an ExportResult.
type ExportDetection struct {
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// ExportJSON serializes results. It has no side effects.
//
// Arguments:
//   - results: The history snapshot, oldest first.
//   - exportedAt: The document timestamp.
//
// Returns:
//   - []byte: Indented JSON.
//   - error: An error if encoding fails.
func ExportJSON(results []Result, exportedAt time.Time) ([]byte, error) {
	doc := Export{
		Timestamp:    exportedAt.Format(TimestampLayout),
		TotalResults: len(results),
		Results:      make([]ExportResult, 0, len(results)),
	}
	for _, r := range results {
		er := ExportResult{
			Timestamp:       r.Timestamp.Format(TimestampLayout),
			DetectionsCount: len(r.Classifications),
			Detections:      make([]ExportDetection, 0, len(r.Classifications)),
		}
		for _, c := range r.Classifications {
			er.Detections = append(er.Detections, ExportDetection{
				ClassName:  c.ClassName,
				Confidence: c.Confidence,
				BBox:       c.BBox,
			})
		}
		doc.Results = append(doc.Results, er)
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding export")
	}
	return b, nil
}

// ParseExport reads an exported document back into results. Class ids are not part of the format
// and come back as -1; every entry is treated as accepted.
func ParseExport(data []byte) (time.Time, []Result, error) {
	var doc Export
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}, nil, errors.Wrap(err, "decoding export")
	}
	exportedAt, err := time.Parse(time.RFC3339Nano, doc.Timestamp)
	if err != nil {
		return time.Time{}, nil, errors.Wrap(err, "export timestamp")
	}

	out := make([]Result, 0, len(doc.Results))
	for i, er := range doc.Results {
		ts, err := time.Parse(time.RFC3339Nano, er.Timestamp)
		if err != nil {
			return time.Time{}, nil, errors.Wrapf(err, "result %d timestamp", i)
		}
		if er.DetectionsCount != len(er.Detections) {
			return time.Time{}, nil, errors.Errorf("result %d: detections_count %d but %d detections",
				i, er.DetectionsCount, len(er.Detections))
		}
		r := Result{
			Seq:             uint64(i + 1),
			Timestamp:       ts,
			Classifications: make([]filter.Classification, 0, len(er.Detections)),
		}
		for _, d := range er.Detections {
			r.Classifications = append(r.Classifications, filter.Classification{
				ClassID:    -1,
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				BBox:       detector.BBox(d.BBox),
				Accepted:   true,
			})
		}
		out = append(out, r)
	}
	if doc.TotalResults != len(out) {
		return time.Time{}, nil, errors.Errorf("total_results %d but %d results", doc.TotalResults, len(out))
	}
	return exportedAt, out, nil
}
