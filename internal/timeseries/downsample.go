package timeseries

import (
	"slices"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// DownsampleResult is a thinned series together with how it was produced.
type DownsampleResult struct {
	Points         []storage.Sample `json:"data"`
	OriginalCount  int              `json:"originalCount"`
	SamplingRate   int              `json:"samplingRate"`
	WasDownsampled bool             `json:"downsampled"`
}

// Downsample reduces a newest-first series to at most maxPoints samples.
//
// The stride is ceil(len/maxPoints) and is anchored at the oldest sample, so a
// fixed window always keeps the same rows. The newest sample is always kept:
// when the stride would skip it, it is appended, replacing the newest strided
// point if the budget is already full. The input slice is not modified.
func Downsample(samples []storage.Sample, maxPoints int) (DownsampleResult, error) {
	if maxPoints <= 0 {
		return DownsampleResult{}, invalidf("maxPoints must be positive, got %d", maxPoints)
	}

	n := len(samples)
	if n <= maxPoints {
		points := samples
		if points == nil {
			points = []storage.Sample{}
		}
		return DownsampleResult{Points: points, OriginalCount: n, SamplingRate: 1}, nil
	}

	rate := (n + maxPoints - 1) / maxPoints

	// walk oldest to newest; samples[n-1] is the oldest row
	kept := make([]storage.Sample, 0, maxPoints)
	for asc := 0; asc < n; asc += rate {
		kept = append(kept, samples[n-1-asc])
	}

	if (n-1)%rate != 0 {
		if len(kept) < maxPoints {
			kept = append(kept, samples[0])
		} else {
			kept[len(kept)-1] = samples[0]
		}
	}

	slices.Reverse(kept)

	return DownsampleResult{
		Points:         kept,
		OriginalCount:  n,
		SamplingRate:   rate,
		WasDownsampled: true,
	}, nil
}
