package fix

import "bytes"

var (
	startMarker    = []byte("8=FIX")
	checksumMarker = []byte("\x0110=")
)

// checksumWidth is the 3-digit checksum plus its trailing SOH.
const checksumWidth = 4

// Framer cuts complete messages out of a TCP byte stream. It is not safe for
// concurrent use; each connection's read loop owns one.
type Framer struct {
	buf []byte
}

// Feed appends data and returns every complete frame now available, in
// order. Bytes before a start marker are discarded.
func (f *Framer) Feed(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var frames [][]byte
	for {
		start := bytes.Index(f.buf, startMarker)
		if start < 0 {
			f.buf = f.buf[:copy(f.buf, partialStart(f.buf))]
			return frames
		}
		if start > 0 {
			f.buf = f.buf[:copy(f.buf, f.buf[start:])]
		}

		end := bytes.Index(f.buf, checksumMarker)
		if end < 0 {
			return frames
		}
		end += len(checksumMarker) + checksumWidth
		if end > len(f.buf) {
			return frames
		}

		frame := make([]byte, end)
		copy(frame, f.buf[:end])
		frames = append(frames, frame)
		f.buf = f.buf[:copy(f.buf, f.buf[end:])]
	}
}

// Pending returns the number of buffered bytes not yet framed.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset drops buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// partialStart returns the longest suffix of b that is a proper prefix of
// the start marker, so a marker split across reads is not lost.
func partialStart(b []byte) []byte {
	for n := len(startMarker) - 1; n > 0; n-- {
		if len(b) >= n && bytes.HasPrefix(startMarker, b[len(b)-n:]) {
			return b[len(b)-n:]
		}
	}
	return nil
}
