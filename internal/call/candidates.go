package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds remote ICE candidates that arrived before the
// remote description was applied. It is owned by the event loop and needs
// no locking.
type CandidateBuffer struct {
	pending []webrtc.ICECandidateInit
}

// Enqueue appends c to the buffer.
func (b *CandidateBuffer) Enqueue(c webrtc.ICECandidateInit) {
	b.pending = append(b.pending, c)
}

// Flush applies every buffered candidate in arrival order and empties the
// buffer. A failing candidate does not stop the rest; the failures are
// joined into the returned error. Flushing an empty buffer does nothing.
func (b *CandidateBuffer) Flush(apply func(webrtc.ICECandidateInit) error) (int, error) {
	pending := b.pending
	b.pending = nil

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return len(pending), errors.Join(errs...)
}

// Clear discards the buffer without applying it and returns how many
// candidates were dropped.
func (b *CandidateBuffer) Clear() int {
	n := len(b.pending)
	b.pending = nil
	return n
}

// Len returns the number of buffered candidates.
func (b *CandidateBuffer) Len() int {
	return len(b.pending)
}
