//go:build linux && camera

package app

import "github.com/petervdpas/kyccall/internal/call"

func mediaSource(_ string) (call.MediaSource, error) {
	src, err := call.NewCameraSource()
	if err != nil {
		return nil, err
	}
	return src, nil
}
