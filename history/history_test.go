package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/filter"
)

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

func result(frame uint64, cls ...filter.Classification) Result {
	return Result{
		Frame:           frame,
		Timestamp:       epoch.Add(time.Duration(frame) * 33 * time.Millisecond),
		Classifications: cls,
	}
}

func cls(name string, conf float64) filter.Classification {
	return filter.Classification{ClassName: name, Confidence: conf, BBox: detector.BBox{1, 2, 30, 40}, Accepted: true}
}

func TestAggregatorBound(t *testing.T) {
	const n = 5
	a := NewAggregator(n)

	for i := 1; i <= n+1; i++ {
		a.Publish(result(uint64(i)))
	}

	h := a.History()
	require.Len(t, h, n)
	for i, r := range h {
		assert.EqualValues(t, i+2, r.Frame, "oldest evicted, order kept")
		assert.EqualValues(t, i+2, r.Seq)
	}
	_, ok := a.Find(1)
	assert.False(t, ok)

	latest, ok := a.Latest()
	require.True(t, ok)
	assert.EqualValues(t, n+1, latest.Frame)
}

func TestAggregatorDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewAggregator(0).capacity)
}

func TestAggregatorIsolation(t *testing.T) {
	a := NewAggregator(3)
	in := result(1, cls("normal", 0.9))
	a.Publish(in)
	in.Classifications[0].ClassName = "mutated"

	h := a.History()
	assert.Equal(t, "normal", h[0].Classifications[0].ClassName)
	h[0].Classifications[0].ClassName = "mutated"

	found, ok := a.Find(h[0].Seq)
	require.True(t, ok)
	assert.Equal(t, "normal", found.Classifications[0].ClassName)
}

func TestAggregatorClear(t *testing.T) {
	a := NewAggregator(3)
	a.Publish(result(1))
	a.Clear()

	assert.Equal(t, 0, a.Len())
	_, ok := a.Latest()
	assert.False(t, ok)

	r := a.Publish(result(2))
	assert.EqualValues(t, 2, r.Seq, "sequence survives clear")
}

func TestAggregatorSubscribe(t *testing.T) {
	a := NewAggregator(10)
	ch, cancel := a.Subscribe(1)

	a.Publish(result(1))
	a.Publish(result(2)) // buffer full, dropped for this subscriber

	got := <-ch
	assert.EqualValues(t, 1, got.Frame)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	a.Publish(result(3))
}

func TestAggregatorConcurrentReaders(t *testing.T) {
	a := NewAggregator(4)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			a.Publish(result(uint64(i), cls("normal", 0.5)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h := a.History()
			assert.LessOrEqual(t, len(h), 4)
			for j := 1; j < len(h); j++ {
				assert.Equal(t, h[j-1].Seq+1, h[j].Seq)
			}
		}
	}()
	wg.Wait()
}

func TestComputeStats(t *testing.T) {
	empty := ComputeStats(nil)
	assert.Equal(t, 0, empty.TotalCount)
	assert.Equal(t, 0.0, empty.AverageConfidence)
	assert.Empty(t, empty.PerClassCount)

	s := ComputeStats([]Result{
		result(1, cls("normal", 0.6), cls("abnormal", 0.8)),
		result(2),
		result(3, cls("normal", 1.0)),
	})
	assert.Equal(t, 3, s.Results)
	assert.Equal(t, 3, s.TotalCount)
	assert.Equal(t, map[string]int{"normal": 2, "abnormal": 1}, s.PerClassCount)
	assert.InDelta(t, 0.8, s.AverageConfidence, 1e-9)
}

func TestExportJSONFieldNames(t *testing.T) {
	data, err := ExportJSON([]Result{result(0, cls("abnormal", 0.93))}, epoch)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2026-03-14T09:26:53.589Z", doc["timestamp"])
	assert.EqualValues(t, 1, doc["total_results"])

	results := doc["results"].([]interface{})
	r0 := results[0].(map[string]interface{})
	assert.ElementsMatch(t, []string{"timestamp", "detections_count", "detections"}, keys(r0))
	d0 := r0["detections"].([]interface{})[0].(map[string]interface{})
	assert.ElementsMatch(t, []string{"class_name", "confidence", "bbox"}, keys(d0))
	assert.Equal(t, []interface{}{1.0, 2.0, 30.0, 40.0}, d0["bbox"])
}

func TestExportRoundTrip(t *testing.T) {
	in := []Result{
		result(1, cls("normal", 0.55), cls("abnormal", 0.71)),
		result(2),
		result(3, cls("abnormal", 0.99)),
	}
	data, err := ExportJSON(in, epoch)
	require.NoError(t, err)

	exportedAt, out, err := ParseExport(data)
	require.NoError(t, err)
	assert.True(t, exportedAt.Equal(epoch))
	require.Len(t, out, len(in))
	for i := range in {
		require.Len(t, out[i].Classifications, len(in[i].Classifications), "result %d", i)
		assert.True(t, out[i].Timestamp.Equal(in[i].Timestamp))
		for j, c := range in[i].Classifications {
			got := out[i].Classifications[j]
			assert.Equal(t, c.ClassName, got.ClassName)
			assert.Equal(t, c.Confidence, got.Confidence)
			assert.Equal(t, c.BBox, got.BBox)
		}
	}
}

func TestParseExportRejectsInconsistentCounts(t *testing.T) {
	bad := fmt.Sprintf(`{"timestamp":%q,"total_results":2,"results":[]}`, epoch.Format(TimestampLayout))
	_, _, err := ParseExport([]byte(bad))
	assert.Error(t, err)

	_, _, err = ParseExport([]byte(`{`))
	assert.Error(t, err)
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
