package payload

import (
	"github.com/gabriel-vasile/mimetype"
)

// Bytes serves chunk ranges from an in-memory buffer.
type Bytes struct {
	data []byte
}

// NewBytes creates a Source over data. The buffer is copied so later writes by the
// caller do not change the payload.
func NewBytes(data []byte) *Bytes {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Bytes{data: buf}
}

// Size returns the buffer length.
func (b *Bytes) Size() int64 {
	return int64(len(b.data))
}

// ReadRange returns a copy of the requested bytes.
func (b *Bytes) ReadRange(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, b.Size()); err != nil {
		return nil, err
	}

	chunk := make([]byte, end-start)
	copy(chunk, b.data[start:end])
	return chunk, nil
}

// Info returns metadata for the buffer under the given name.
func (b *Bytes) Info(name string) Info {
	return Info{
		Name:        name,
		Size:        b.Size(),
		ContentType: mimetype.Detect(b.data).String(),
	}
}
