package dto

// RawFrame is an uncompressed BGR/gray pixel buffer as stored in a broker
// slot. Pixels may alias memory owned by someone else.
type RawFrame struct {
	Pixels   []byte
	Width    int
	Height   int
	Channels int
	Stride   int
}

// RowBytes is the number of meaningful bytes in one row.
func (f RawFrame) RowBytes() int {
	return f.Width * f.Channels
}

// Contiguous reports whether rows follow each other without padding.
func (f RawFrame) Contiguous() bool {
	return f.Stride == 0 || f.Stride == f.RowBytes()
}
