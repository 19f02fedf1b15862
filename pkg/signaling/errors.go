package signaling

import (
	"fmt"
)

// ConnectionError reports that the transport could not be established.
// Degraded is set when it is raised after repeated reconnect failures rather
// than by an explicit Connect call.
type ConnectionError struct {
	URL      string
	Attempts int
	Degraded bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Degraded {
		return fmt.Sprintf("signaling degraded: %d consecutive reconnect failures to %s: %v", e.Attempts, e.URL, e.Err)
	}
	return fmt.Sprintf("signaling connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BackpressureWarning is reported when the offline send buffer overflows and
// the oldest buffered frame is discarded.
type BackpressureWarning struct {
	Capacity int
	Dropped  Frame
}

func (w *BackpressureWarning) Error() string {
	kind := Kind("")
	if w.Dropped != nil {
		kind = w.Dropped.FrameKind()
	}
	return fmt.Sprintf("signaling send buffer full (capacity %d), dropped oldest %s frame", w.Capacity, kind)
}
