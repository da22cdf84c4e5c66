package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusSampleRate  = 48000
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// startAudio feeds track from an Ogg/Opus file, or with silence when path
// is empty.
func (s *Source) startAudio(track *webrtc.TrackLocalStaticSample, path string) error {
	if path == "" {
		s.spawn(func() { s.writeSilence(track) })
		return nil
	}

	f, err := open("audio", path)
	if err != nil {
		return err
	}
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: audio source %s: %v", ErrDeviceUnavailable, path, err)
	}
	s.log.Infof("audio: %s (%d ch, %d Hz)", path, header.Channels, header.SampleRate)

	s.spawn(func() {
		defer f.Close()
		s.streamOgg(track, f, reader)
	})
	return nil
}

// startVideo feeds track from an IVF/VP8 file. Without a file the track
// stays idle.
func (s *Source) startVideo(track *webrtc.TrackLocalStaticSample, path string) error {
	if path == "" {
		return nil
	}

	f, err := open("video", path)
	if err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: video source %s: %v", ErrDeviceUnavailable, path, err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return fmt.Errorf("%w: video source %s: codec %q is not VP8", ErrDeviceUnavailable, path, header.FourCC)
	}
	s.log.Infof("video: %s (%dx%d)", path, header.Width, header.Height)

	interval := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if interval <= 0 {
		interval = time.Second / 30
	}

	s.spawn(func() {
		defer f.Close()
		s.streamIVF(track, f, reader, interval)
	})
	return nil
}

func (s *Source) writeSilence(track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: oggPageDuration}); err != nil {
				s.log.Warningf("writing silence: %v", err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// streamOgg writes one Ogg page per tick, rewinding at end of file.
func (s *Source) streamOgg(track *webrtc.TrackLocalStaticSample, f *os.File, reader *oggreader.OggReader) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if reader, err = rewind(f, func(r io.Reader) (*oggreader.OggReader, error) {
				rd, _, err := oggreader.NewWith(r)
				return rd, err
			}); err != nil {
				s.log.Warningf("rewinding audio: %v", err)
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			s.log.Warningf("reading audio: %v", err)
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			s.log.Warningf("writing audio: %v", err)
			return
		}
	}
}

// streamIVF writes one VP8 frame per tick, rewinding at end of file.
func (s *Source) streamIVF(track *webrtc.TrackLocalStaticSample, f *os.File, reader *ivfreader.IVFReader, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if reader, err = rewind(f, func(r io.Reader) (*ivfreader.IVFReader, error) {
				rd, _, err := ivfreader.NewWith(r)
				return rd, err
			}); err != nil {
				s.log.Warningf("rewinding video: %v", err)
				return
			}
			continue
		}
		if err != nil {
			s.log.Warningf("reading video: %v", err)
			return
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			s.log.Warningf("writing video: %v", err)
			return
		}
	}
}

// rewind seeks f back to the start and parses its container header again.
func rewind[R any](f *os.File, parse func(io.Reader) (R, error)) (R, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		var zero R
		return zero, err
	}
	return parse(f)
}
