package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/p2pcall/internal/util"
)

const opusSampleRate = 48000

// FileSource stands in for a camera and microphone by looping an IVF (VP8)
// video file and an Ogg (Opus) audio file. Either path may be empty, but
// not both.
type FileSource struct {
	VideoPath string
	AudioPath string
}

// Acquire opens the configured files and starts pumping samples into fresh
// local tracks. The pumps stop when the returned stream is stopped.
func (f *FileSource) Acquire(ctx context.Context) (*Stream, error) {
	if f.VideoPath == "" && f.AudioPath == "" {
		return nil, ErrNoCaptureDevice
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "p2pcall-" + uuid.NewString()[:8]
	stream := NewStream()

	if f.VideoPath != "" {
		t, err := newFileTrack(f.VideoPath, webrtc.MimeTypeVP8, "video", streamID, pumpIVF)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Add(t)
	}

	if f.AudioPath != "" {
		t, err := newFileTrack(f.AudioPath, webrtc.MimeTypeOpus, "audio", streamID, pumpOgg)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Add(t)
	}

	return stream, nil
}

// ---------------------------------------------------------------------------
// fileTrack
// ---------------------------------------------------------------------------

type pumpFunc func(ctx context.Context, file *os.File, track *webrtc.TrackLocalStaticSample) error

// fileTrack is a local track fed from a media file by a pump goroutine.
type fileTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  string

	cancel   context.CancelFunc
	stopOnce sync.Once
	live     atomic.Bool
}

func newFileTrack(path, mimeType, kind, streamID string, pump pumpFunc) (*fileTrack, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoCaptureDevice, kind, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, kind, streamID)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &fileTrack{track: track, kind: kind, cancel: cancel}
	t.live.Store(true)

	go func() {
		defer file.Close()
		defer t.live.Store(false)
		if err := pump(ctx, file, track); err != nil && !errors.Is(err, context.Canceled) {
			util.LogWarning("%s capture stopped: %v", kind, err)
		}
	}()

	return t, nil
}

func (t *fileTrack) ID() string                    { return t.track.ID() }
func (t *fileTrack) Kind() string                  { return t.kind }
func (t *fileTrack) Live() bool                    { return t.live.Load() }
func (t *fileTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *fileTrack) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		t.live.Store(false)
	})
}

// ---------------------------------------------------------------------------
// Pumps
// ---------------------------------------------------------------------------

// pumpIVF writes VP8 frames at the file's frame rate, rewinding at EOF.
func pumpIVF(ctx context.Context, file *os.File, track *webrtc.TrackLocalStaticSample) error {
	for {
		reader, header, err := ivfreader.NewWith(file)
		if err != nil {
			return err
		}

		frameDuration := time.Second / 30
		if header.TimebaseNumerator != 0 && header.TimebaseDenominator != 0 {
			frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
		}

		var written int
		ticker := time.NewTicker(frameDuration)
		err = func() error {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}

				frame, _, err := reader.ParseNextFrame()
				if err != nil {
					return err
				}
				written++
				if err := track.WriteSample(pmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
					return err
				}
			}
		}()
		if !errors.Is(err, io.EOF) || written == 0 {
			return err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
}

// pumpOgg writes Opus pages paced by their granule positions, rewinding at EOF.
func pumpOgg(ctx context.Context, file *os.File, track *webrtc.TrackLocalStaticSample) error {
	for {
		reader, _, err := oggreader.NewWith(file)
		if err != nil {
			return err
		}

		var written int
		err = func() error {
			var lastGranule uint64
			for {
				page, header, err := reader.ParseNextPage()
				if err != nil {
					return err
				}

				if header.GranulePosition <= lastGranule {
					continue
				}
				samples := header.GranulePosition - lastGranule
				lastGranule = header.GranulePosition
				duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
				written++

				if err := track.WriteSample(pmedia.Sample{Data: page, Duration: duration}); err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(duration):
				}
			}
		}()
		if !errors.Is(err, io.EOF) || written == 0 {
			return err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
}
