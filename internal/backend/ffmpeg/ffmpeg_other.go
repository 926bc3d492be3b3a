//go:build !linux || !cgo

// Package ffmpeg is the production backend. On platforms without the
// libavcodec hardware surface wired up it refuses to open devices.
package ffmpeg

import (
	"fmt"
	"runtime"

	"hwenc/internal/backend"
)

type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "ffmpeg" }

func (*Backend) OpenDevice(typ backend.DeviceType, selector string) (backend.Device, error) {
	return nil, fmt.Errorf("hardware encoding is not supported on %s", runtime.GOOS)
}
