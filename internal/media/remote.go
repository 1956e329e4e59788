package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/p2pcall/internal/util"
)

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Recorder writes remote tracks into Dir. VP8 goes to IVF, Opus to Ogg;
// other codecs are drained without recording.
type Recorder struct {
	Dir string
}

func (r *Recorder) open(track *webrtc.TrackRemote) (rtpWriter, string, error) {
	if r == nil || r.Dir == "" {
		return nil, "", nil
	}

	stamp := time.Now().Format("20060102-150405")
	mime := track.Codec().MimeType

	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path := filepath.Join(r.Dir, fmt.Sprintf("%s-%s.ivf", stamp, track.ID()))
		w, err := ivfwriter.New(path)
		return w, path, err
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path := filepath.Join(r.Dir, fmt.Sprintf("%s-%s.ogg", stamp, track.ID()))
		w, err := oggwriter.New(path, opusSampleRate, 2)
		return w, path, err
	}
	return nil, "", nil
}

// RemoteTrack consumes a track received from the peer. Its read loop exits
// when the transport closes the underlying receiver.
type RemoteTrack struct {
	remote *webrtc.TrackRemote
	writer rtpWriter

	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
	packets  atomic.Int64
}

// NewRemoteTrack starts draining remote. When rec is configured the packets
// are also written to disk.
func NewRemoteTrack(remote *webrtc.TrackRemote, rec *Recorder) *RemoteTrack {
	t := &RemoteTrack{remote: remote, done: make(chan struct{})}

	w, path, err := rec.open(remote)
	switch {
	case err != nil:
		util.LogWarning("cannot record %s track: %v", remote.Kind(), err)
	case w != nil:
		util.LogInfo("recording remote %s to %s", remote.Kind(), path)
		t.writer = w
	}

	go t.drain()
	return t
}

func (t *RemoteTrack) drain() {
	defer close(t.done)
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			return
		}
		t.packets.Add(1)
		if t.stopped.Load() || t.writer == nil {
			continue
		}
		if err := t.writer.WriteRTP(pkt); err != nil {
			util.LogWarning("recording %s failed: %v", t.Kind(), err)
			t.writer.Close()
			t.writer = nil
		}
	}
}

func (t *RemoteTrack) ID() string   { return t.remote.ID() }
func (t *RemoteTrack) Kind() string { return t.remote.Kind().String() }

// Packets returns the number of RTP packets received so far.
func (t *RemoteTrack) Packets() int64 { return t.packets.Load() }

func (t *RemoteTrack) Live() bool {
	if t.stopped.Load() {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Stop ends playback. The recording file is finalised once the read loop
// has exited.
func (t *RemoteTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		go func() {
			<-t.done
			if t.writer != nil {
				t.writer.Close()
			}
		}()
	})
}
