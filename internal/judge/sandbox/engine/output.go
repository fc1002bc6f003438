package engine

import (
	"bytes"
	"sync"
)

// cappedWriter keeps at most limit bytes and calls onOverflow once when the
// writer is asked to hold more. Writes never fail so the child never sees EPIPE
// before it is killed.
type cappedWriter struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	truncated  bool
	onOverflow func()
}

func newCappedWriter(limit int64, onOverflow func()) *cappedWriter {
	return &cappedWriter{limit: limit, onOverflow: onOverflow}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	n := len(p)
	room := w.limit - int64(w.buf.Len())
	overflow := false
	if int64(len(p)) > room {
		if room > 0 {
			w.buf.Write(p[:room])
		}
		overflow = !w.truncated
		w.truncated = true
	} else {
		w.buf.Write(p)
	}
	w.mu.Unlock()

	if overflow && w.onOverflow != nil {
		w.onOverflow()
	}
	return n, nil
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *cappedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// excerptWriter keeps the first limit bytes and silently drops the rest.
type excerptWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newExcerptWriter(limit int64) *excerptWriter {
	return &excerptWriter{limit: int(limit)}
}

func (w *excerptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *excerptWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
