package job

import "bytes"

// Batch is a group of encoded records submitted in one call. The remote
// service accepts or rejects a batch as a whole.
type Batch struct {
	Header  []byte
	Records [][]byte
}

// Len returns the number of records.
func (b Batch) Len() int {
	return len(b.Records)
}

// Size returns the encoded size in bytes, one newline per line included.
func (b Batch) Size() int {
	n := 0
	if len(b.Header) > 0 {
		n += len(b.Header) + 1
	}
	for _, r := range b.Records {
		n += len(r) + 1
	}
	return n
}

// Encode renders the header line followed by one record per line.
func (b Batch) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(b.Size())
	if len(b.Header) > 0 {
		buf.Write(b.Header)
		buf.WriteByte('\n')
	}
	for _, r := range b.Records {
		buf.Write(r)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
