package mediadevices

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"hwenc"
)

type encoder struct {
	session *hwenc.Session
	r       video.Reader

	mu     sync.Mutex
	closed bool
}

func newEncoder(r video.Reader, p prop.Media, params Params) (codec.ReadCloser, error) {
	if params.KeyFrameInterval <= 0 {
		params.KeyFrameInterval = 60
	}

	framerate := int(p.FrameRate)
	if framerate <= 0 {
		framerate = 30
	}

	cfg := hwenc.Config{
		Width:       p.Width,
		Height:      p.Height,
		Framerate:   framerate,
		Encoder:     params.Encoder,
		Device:      params.Device,
		PixelFormat: "yuv420p",
		GOPSize:     params.KeyFrameInterval,
	}
	if params.BitRate > 0 {
		cfg.RateControl = hwenc.VariableBitrate(params.BitRate)
	}

	s, err := hwenc.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &encoder{
		session: s,
		r:       video.ToI420(r),
	}, nil
}

func (e *encoder) Read() ([]byte, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, func() {}, io.EOF
	}

	// hardware encoders may hold frames back, so one frame in is not
	// always one packet out
	for {
		pkt, err := e.session.Drain()
		if err == nil {
			return pkt.Data, func() {}, nil
		}
		if !errors.Is(err, hwenc.ErrNeedMoreInput) {
			return nil, func() {}, err
		}

		img, _, err := e.r.Read()
		if err != nil {
			return nil, func() {}, err
		}
		yuv := img.(*image.YCbCr)

		var f hwenc.Frame
		f.Data[0], f.Linesize[0] = yuv.Y, yuv.YStride
		f.Data[1], f.Linesize[1] = yuv.Cb, yuv.CStride
		f.Data[2], f.Linesize[2] = yuv.Cr, yuv.CStride
		if err := e.session.Submit(f); err != nil {
			return nil, func() {}, err
		}
	}
}

func (e *encoder) SetBitRate(b int) error {
	return fmt.Errorf("bitrate is fixed when the hardware session opens")
}

func (e *encoder) ForceKeyFrame() error {
	return fmt.Errorf("keyframe cadence is fixed by KeyFrameInterval when the hardware session opens")
}

func (e *encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.session.Close()
}
