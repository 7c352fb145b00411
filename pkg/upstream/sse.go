package upstream

import (
	"bytes"
	"errors"
	"io"
)

// ErrStreamDone marks the end of an event stream, either by the upstream
// closing it or by an explicit [DONE] sentinel.
var ErrStreamDone = errors.New("event stream done")

// ScanFrames splits buffered stream bytes into complete data-line payloads
// plus the unconsumed remainder. It is a pure function so frame parsing can
// be tested without a connection. Non-data lines (comments, blank
// separators, event names) are dropped.
func ScanFrames(buf []byte) (payloads [][]byte, rest []byte) {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return payloads, buf
		}
		line := bytes.TrimRight(buf[:idx], "\r")
		buf = buf[idx+1:]
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}
		payloads = append(payloads, append([]byte(nil), payload...))
	}
}

// FrameScanner is a pull-based reader of newline-delimited event frames. A
// finite, non-restartable sequence: Next returns one payload per call and
// ErrStreamDone after the sentinel or EOF.
type FrameScanner struct {
	r       io.Reader
	buf     []byte
	pending [][]byte
	readBuf [4096]byte
	done    bool
}

func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: r}
}

func (s *FrameScanner) Next() ([]byte, error) {
	for {
		if s.done {
			return nil, ErrStreamDone
		}
		if len(s.pending) > 0 {
			payload := s.pending[0]
			s.pending = s.pending[1:]
			if bytes.Equal(payload, []byte("[DONE]")) {
				// The sentinel terminates the sequence; anything the
				// upstream wrote after it is discarded.
				s.done = true
				s.pending = nil
				return nil, ErrStreamDone
			}
			return payload, nil
		}
		n, err := s.r.Read(s.readBuf[:])
		if n > 0 {
			s.buf = append(s.buf, s.readBuf[:n]...)
			s.pending, s.buf = ScanFrames(s.buf)
		}
		if err != nil {
			if len(s.pending) > 0 {
				continue
			}
			s.done = true
			if errors.Is(err, io.EOF) {
				// A trailing frame without a final newline still counts.
				if tail := bytes.TrimSpace(s.buf); bytes.HasPrefix(tail, []byte("data:")) {
					payload := bytes.TrimSpace(tail[len("data:"):])
					s.buf = nil
					if len(payload) > 0 && !bytes.Equal(payload, []byte("[DONE]")) {
						return payload, nil
					}
				}
				return nil, ErrStreamDone
			}
			return nil, err
		}
	}
}
