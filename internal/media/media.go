// Package media acquires the local tracks a participant publishes.
//
// Sources are file backed: an Ogg/Opus file feeds the audio track and an
// IVF/VP8 file feeds the video track, both looped at their native pacing.
// Without an audio file the audio track carries Opus silence; without a
// video file the video track is attached but idle.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/util"
)

// ErrDeviceUnavailable reports that a requested source could not be opened.
var ErrDeviceUnavailable = errors.New("media device unavailable")

const streamID = "joinix"

// Request selects the kinds of tracks to acquire and their backing files.
type Request struct {
	Audio     bool
	Video     bool
	AudioFile string
	VideoFile string
}

// RequestFrom builds a Request from the media section of the configuration.
func RequestFrom(c config.MediaConfig) Request {
	return Request{
		Audio:     c.Audio,
		Video:     c.Video,
		AudioFile: c.AudioFile,
		VideoFile: c.VideoFile,
	}
}

// Acquirer obtains local media. Implementations must honour ctx.
type Acquirer interface {
	Acquire(ctx context.Context, req Request) (*Source, error)
}

// AcquireFunc adapts a function to the Acquirer interface.
type AcquireFunc func(ctx context.Context, req Request) (*Source, error)

// Acquire calls f(ctx, req).
func (f AcquireFunc) Acquire(ctx context.Context, req Request) (*Source, error) {
	return f(ctx, req)
}

// Default acquires file-backed or silent sources.
var Default Acquirer = AcquireFunc(Acquire)

// Source is a set of acquired local tracks and the goroutines feeding them.
type Source struct {
	tracks []webrtc.TrackLocal

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	log      util.Logger
}

// Tracks returns the local tracks to attach to a transport.
func (s *Source) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// Stop halts every feeding goroutine and waits for them to exit. It is safe
// to call more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.log.Debugf("stopped %d track(s)", len(s.tracks))
	})
}

// Stopped is closed once Stop has been called.
func (s *Source) Stopped() <-chan struct{} {
	return s.ctx.Done()
}

// Acquire opens the requested sources and starts streaming into their
// tracks. A missing or unreadable file fails with ErrDeviceUnavailable.
func Acquire(ctx context.Context, req Request) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	src := &Source{ctx: sctx, cancel: cancel, log: util.Scoped("media")}

	if req.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			src.Stop()
			return nil, fmt.Errorf("creating audio track: %w", err)
		}
		if err := src.startAudio(track, req.AudioFile); err != nil {
			src.Stop()
			return nil, err
		}
		src.tracks = append(src.tracks, track)
	}

	if req.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			src.Stop()
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		if err := src.startVideo(track, req.VideoFile); err != nil {
			src.Stop()
			return nil, err
		}
		src.tracks = append(src.tracks, track)
	}

	if err := ctx.Err(); err != nil {
		src.Stop()
		return nil, err
	}
	return src, nil
}

// open opens a media file, mapping failures to ErrDeviceUnavailable.
func open(kind, path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s source %s: %v", ErrDeviceUnavailable, kind, path, err)
	}
	return f, nil
}

func (s *Source) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
