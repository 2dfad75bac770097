package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative position through a
// callback every interval bytes and once when the stream ends.
type Reader struct {
	r          io.Reader
	total      int64
	position   int64
	sinceLast  int64
	interval   int64
	onProgress func(position, total int64)
}

// NewReader starts counting at offset, so resumed transfers report their
// absolute position. total may be 0 when the size is unknown.
func NewReader(r io.Reader, offset, total, interval int64, cb func(position, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		position:   offset,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.position += int64(n)
		pr.sinceLast += int64(n)

		if pr.interval > 0 && pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceLast > 0 {
		pr.report()
	}

	return n, err
}

// Position returns the number of bytes seen so far, including the starting offset.
func (pr *Reader) Position() int64 {
	return pr.position
}

func (pr *Reader) report() {
	pr.sinceLast = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.position, pr.total)
	}
}
