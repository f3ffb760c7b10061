package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SyntheticSource produces a VP8 video track and an Opus audio track fed
// with placeholder frames. It stands in for a camera in headless clients
// and tests.
type SyntheticSource struct {
	// Label distinguishes stream ids when several sources share a process.
	Label string
}

func (s SyntheticSource) Name() string { return "synthetic" }

func (s SyntheticSource) Codecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s SyntheticSource) Open(ctx context.Context) ([]webrtc.TrackLocal, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	label := s.Label
	if label == "" {
		label = "synthetic"
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "kyccall-"+label)
	if err != nil {
		return nil, nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "kyccall-"+label)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, done, video, 33*time.Millisecond, vp8Placeholder)
	go pump(&wg, done, audio, 20*time.Millisecond, opusSilence)

	var once sync.Once
	stop := func() error {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
		return nil
	}
	return []webrtc.TrackLocal{video, audio}, stop, nil
}

// A VP8 key frame header for a 2x2 picture; decoders may reject the body,
// which is fine for transport-level use.
var vp8Placeholder = []byte{
	0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00,
	0x00, 0x47, 0x08, 0x85, 0x85, 0x88, 0x85, 0x84, 0x88, 0x02,
}

// Opus TOC byte for a 20 ms silent CELT frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func pump(wg *sync.WaitGroup, done <-chan struct{}, t *webrtc.TrackLocalStaticSample, every time.Duration, frame []byte) {
	defer wg.Done()
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			if err := t.WriteSample(media.Sample{Data: frame, Duration: every}); err != nil {
				log.Debugf("CALL: synthetic %s sample: %v", t.Kind(), err)
			}
		}
	}
}
