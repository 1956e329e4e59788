// Package media provides the local capture and remote playback handles of a call.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrNoCaptureDevice is returned by a Source that has nothing to capture from.
var ErrNoCaptureDevice = errors.New("no capture device available")

// Track is a single audio or video track of a call.
type Track interface {
	ID() string
	Kind() string
	Live() bool
	Stop()
}

// LocalTrack is a captured track that can be attached to a transport.
type LocalTrack interface {
	Track
	TrackLocal() webrtc.TrackLocal
}

// Source acquires local capture for a call.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream groups the tracks of one side of a call. Stop releases every track
// exactly once; tracks added after Stop are stopped immediately.
type Stream struct {
	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

// NewStream creates a stream holding the given tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Add appends a track to the stream.
func (s *Stream) Add(t Track) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.Stop()
		return
	}
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns a copy of the current track list.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// LocalTracks returns the tracks that can be sent over a transport.
func (s *Stream) LocalTracks() []LocalTrack {
	var out []LocalTrack
	for _, t := range s.Tracks() {
		if lt, ok := t.(LocalTrack); ok {
			out = append(out, lt)
		}
	}
	return out
}

// Len returns the number of tracks.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Stop stops every track. Later calls are no-ops.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
