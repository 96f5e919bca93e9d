// Package progress reports how many bytes have flowed through a reader.
package progress

import (
	"errors"
	"io"
)

// DefaultInterval is the number of bytes between two reports.
const DefaultInterval = 256 * 1024

// Reader wraps an io.Reader and reports progress via a callback every
// interval bytes and once more when the stream ends.
type Reader struct {
	reader     io.Reader
	total      int64
	interval   int64
	onProgress func(read int64, total int64)

	read        int64 // cumulative total
	sinceReport int64 // bytes since last report
}

// NewReader wraps r. total is the expected size, or a non-positive value when
// unknown. A non-positive interval uses DefaultInterval.
func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Reader{
		reader:     r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.interval {
			pr.report()
		}
	}

	if errors.Is(err, io.EOF) && pr.sinceReport > 0 {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceReport = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
