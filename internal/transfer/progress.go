package transfer

// Progress describes how far one file of a multi-file fetch has got.
type Progress struct {
	Item  string `json:"item"`
	Bytes int64  `json:"bytes"`
	// Total is nil when the origin did not report a content length.
	Total *int64 `json:"total"`
	Index int    `json:"index"`
	Count int    `json:"count"`
}

// ProgressFunc receives progress updates. It is called on the goroutine doing
// the transfer and must be safe to call from any goroutine; it should return
// quickly since the stream waits for it.
type ProgressFunc func(Progress)

// Fraction returns the completed fraction of the current item, in [0, 1].
// It is 0 when the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total == nil || *p.Total <= 0 {
		return 0
	}

	return clamp(float64(p.Bytes) / float64(*p.Total))
}

// Overall returns the completed fraction of the whole fetch, in [0, 1], even
// when the origin under-reports an item's size.
func (p Progress) Overall() float64 {
	if p.Count <= 0 {
		return 0
	}

	return clamp((float64(p.Index) + p.Fraction()) / float64(p.Count))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func sizePtr(n int64) *int64 {
	return &n
}
