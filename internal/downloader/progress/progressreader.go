package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative byte count through a
// callback every time at least interval new bytes have been read.
type Reader struct {
	reader     io.Reader
	onProgress func(read int64)
	interval   int64 // bytes
	totalRead  int64 // cumulative total
	sinceLast  int64 // bytes since last report
}

// NewReader returns a Reader reporting to cb. A non-positive interval reports
// after every read.
func NewReader(r io.Reader, interval int64, cb func(read int64)) *Reader {
	return &Reader{
		reader:     r,
		onProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceLast += int64(n)

		if pr.sinceLast >= pr.interval {
			pr.sinceLast = 0

			if pr.onProgress != nil {
				pr.onProgress(pr.totalRead)
			}
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}
