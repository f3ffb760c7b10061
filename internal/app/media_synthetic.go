//go:build !(linux && camera)

package app

import "github.com/petervdpas/kyccall/internal/call"

// Without the camera tag clients send synthetic audio and video.
func mediaSource(label string) (call.MediaSource, error) {
	return call.SyntheticSource{Label: label}, nil
}
