package main

import (
	"errors"
	"time"

	"github.com/kataras/golog"

	"hwenc"
)

// startPipeline encodes frames for as long as the viewer is connected.
// Normally the frames would come from a camera or a capture source; a
// moving test pattern keeps the example self-contained.
func startPipeline(v *viewer) {
	gop := *flagGOP
	if gop == 0 {
		gop = 2 * *flagFPS
	}

	session, err := hwenc.NewSession(hwenc.Config{
		Width:     *flagWidth,
		Height:    *flagHeight,
		Framerate: *flagFPS,
		Encoder:   *flagEncoder,
		Device:    *flagDevice,
		// constrained baseline, matching the fmtp line offered in SDP
		Profile:     hwenc.ProfileH264ConstrainedBaseline,
		RateControl: hwenc.VariableBitrate(*flagBitrate * 1000),
		GOPSize:     gop,
	})
	if err != nil {
		golog.Errorf("[%s] encoder init failed: %v", v.id, err)
		v.close()
		return
	}
	defer session.Close()

	width, height := *flagWidth, *flagHeight
	y := make([]byte, width*height)
	uv := make([]byte, width*height/2)

	var frame hwenc.Frame
	frame.Linesize[0] = width
	frame.Linesize[1] = width

	frameDur := time.Second / time.Duration(*flagFPS)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			paintTestPattern(y, uv, width, height, n)
			frame.Data[0] = y
			frame.Data[1] = uv
			n++

			if err := session.Submit(frame); err != nil {
				golog.Errorf("[%s] submit failed: %v", v.id, err)
				return
			}

			for {
				pkt, err := session.Drain()
				if errors.Is(err, hwenc.ErrNeedMoreInput) {
					break
				}
				if err != nil {
					golog.Errorf("[%s] drain failed: %v", v.id, err)
					return
				}
				if err := v.writeSample(pkt.Data, frameDur); err != nil {
					golog.Errorf("[%s] write sample failed: %v", v.id, err)
					return
				}
			}
		}
	}
}

// paintTestPattern draws an nv12 gradient that slides two pixels per frame
// and slowly cycles through the chroma plane.
func paintTestPattern(y, uv []byte, width, height, n int) {
	for row := 0; row < height; row++ {
		base := row * width
		for col := 0; col < width; col++ {
			y[base+col] = byte(col + row + 2*n)
		}
	}
	cb := byte(64 + n%128)
	cr := byte(192 - n%128)
	for i := 0; i < len(uv); i += 2 {
		uv[i] = cb
		uv[i+1] = cr
	}
}
