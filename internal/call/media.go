package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrDeviceBusy = errors.New("media device is held by another call")

// MediaSource opens local camera and microphone tracks.
type MediaSource interface {
	Name() string
	// Open captures tracks. stop releases the underlying hardware.
	Open(ctx context.Context) (tracks []webrtc.TrackLocal, stop func() error, err error)
	// Codecs registers the codecs the source's tracks are encoded with.
	Codecs(m *webrtc.MediaEngine) error
}

// Device hands out exclusive access to a MediaSource: at most one
// LocalStream exists at a time.
type Device struct {
	src MediaSource

	mu   sync.Mutex
	held *LocalStream
}

func NewDevice(src MediaSource) *Device {
	return &Device{src: src}
}

// Acquire opens the source. It fails with ErrDeviceBusy while another
// stream is live; open failures are returned wrapped.
func (d *Device) Acquire(ctx context.Context) (*LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held != nil {
		return nil, ErrDeviceBusy
	}
	tracks, stop, err := d.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	s := &LocalStream{tracks: tracks, stop: stop, dev: d, codecs: d.src.Codecs}
	d.held = s
	log.Debugf("CALL: media acquired from %s (%d tracks)", d.src.Name(), len(tracks))
	return s, nil
}

// Held reports whether a stream currently owns the device.
func (d *Device) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held != nil
}

func (d *Device) release(s *LocalStream) {
	d.mu.Lock()
	if d.held == s {
		d.held = nil
	}
	d.mu.Unlock()
}

// LocalStream is a set of live local tracks owned by one call.
type LocalStream struct {
	tracks []webrtc.TrackLocal
	stop   func() error
	dev    *Device
	codecs func(*webrtc.MediaEngine) error

	once    sync.Once
	stopErr error
}

func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Codecs registers the codecs the stream's tracks need.
func (s *LocalStream) Codecs(m *webrtc.MediaEngine) error {
	if s.codecs == nil {
		return m.RegisterDefaultCodecs()
	}
	return s.codecs(m)
}

// Stop ends every track and releases the device. Idempotent.
func (s *LocalStream) Stop() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stopErr = s.stop()
		}
		if s.dev != nil {
			s.dev.release(s)
		}
	})
	return s.stopErr
}
