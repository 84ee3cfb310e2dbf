package upload

// Range is a half-open byte interval [Start, End) of the payload.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Plan splits a payload of size bytes into contiguous ranges of chunkSize bytes.
// The last range may be shorter. An empty payload still yields one empty range so
// that it has a unit of work to report success for.
func Plan(size, chunkSize int64) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, configErrorf("chunk size", "must be positive, got %d", chunkSize)
	}
	if size < 0 {
		return nil, configErrorf("payload size", "must not be negative, got %d", size)
	}

	if size == 0 {
		return []Range{{Start: 0, End: 0}}, nil
	}

	count := (size + chunkSize - 1) / chunkSize
	ranges := make([]Range, 0, count)
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize
		if end > size {
			end = size
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}

	return ranges, nil
}

// validateLayout checks that ranges are contiguous, start at zero and cover size.
func validateLayout(ranges []Range, size int64) error {
	if len(ranges) == 0 {
		return configErrorf("chunks", "layout is empty")
	}
	if ranges[0].Start != 0 {
		return configErrorf("chunks", "first chunk starts at %d", ranges[0].Start)
	}
	for i, r := range ranges {
		if r.End < r.Start {
			return configErrorf("chunks", "chunk %d has a negative length", i)
		}
		if i > 0 && ranges[i-1].End != r.Start {
			return configErrorf("chunks", "chunk %d does not start where chunk %d ends", i, i-1)
		}
	}
	if last := ranges[len(ranges)-1]; last.End != size {
		return configErrorf("chunks", "layout ends at %d, payload size is %d", last.End, size)
	}
	return nil
}
