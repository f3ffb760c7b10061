//go:build linux && camera

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CameraSource captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo). Built only with -tags camera.
type CameraSource struct {
	selector *mediadevices.CodecSelector
}

func NewCameraSource() (*CameraSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &CameraSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *CameraSource) Name() string { return "camera" }

func (c *CameraSource) Codecs(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

// Open needs both camera and microphone. An identity check without either
// is not a valid call, so there is no audio-only fallback.
func (c *CameraSource) Open(ctx context.Context) ([]webrtc.TrackLocal, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, nil, fmt.Errorf("no media devices found")
	}
	for _, d := range devices {
		log.Debugf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes that
			// produce malformed frames and poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("GetUserMedia: %w", err)
	}

	mdTracks := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
	for _, t := range mdTracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL: local %s track ended: %v", t.Kind(), err)
			}
		})
		tracks = append(tracks, t)
	}
	stop := func() error {
		for _, t := range mdTracks {
			t.Close()
		}
		return nil
	}
	return tracks, stop, nil
}
