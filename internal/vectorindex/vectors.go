package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it to
// avoid per-row allocations during scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// scorer returns a similarity function for metric where larger is closer.
// The query norm is computed once per query.
func scorer(metric Metric, query []float32) func(v []float32) float32 {
	switch metric {
	case MetricDotProduct:
		return func(v []float32) float32 {
			var dot float64
			for i := range query {
				dot += float64(query[i]) * float64(v[i])
			}
			return float32(dot)
		}
	case MetricEuclidean:
		return func(v []float32) float32 {
			var sum float64
			for i := range query {
				d := float64(query[i]) - float64(v[i])
				sum += d * d
			}
			return float32(1 / (1 + math.Sqrt(sum)))
		}
	default:
		qn := float64(norm(query))
		return func(v []float32) float32 {
			var dot, vNormSq float64
			for i := range query {
				dot += float64(query[i]) * float64(v[i])
				vNormSq += float64(v[i]) * float64(v[i])
			}
			if qn == 0 || vNormSq == 0 {
				return 0
			}
			return float32(dot / (qn * math.Sqrt(vNormSq)))
		}
	}
}

type idScore struct {
	ID    string
	Score float32
}

// idScoreHeap is a min-heap of idScore ordered by Score, holding the current
// top-K candidates during a scan.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// sortByScore sorts matches by Score descending. Used for small slices (topK).
func sortByScore(results []Match) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
