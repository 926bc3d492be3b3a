// hwenc-raw-h264 encodes synthetic frames through a hardware H.264 encoder
// and dumps the raw bitstream to a file.
package main

import (
	"bytes"
	"errors"
	"flag"
	"os"

	"github.com/kataras/golog"

	"hwenc"
)

const (
	width     = 1280
	height    = 720
	framerate = 30
)

var (
	flagSeconds = flag.Int("seconds", 10, "Duration to encode")
	flagEncoder = flag.String("encoder", "", "Encoder name, e.g. h264_vaapi, h264_nvenc (empty: h264_vaapi)")
	flagDevice  = flag.String("device", "", "Accelerator device, e.g. /dev/dri/renderD128 (empty: platform default)")
	flagOutput  = flag.String("output", "output.h264", "Output file for the raw bitstream")
	flagLog     = flag.String("log", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()
	golog.SetLevel(*flagLog)

	if *flagSeconds <= 0 {
		golog.Fatalf("-seconds must be > 0")
	}

	out, err := os.Create(*flagOutput)
	if err != nil {
		golog.Fatalf("unable to open file for output: %v", err)
	}
	defer out.Close()

	session, err := hwenc.NewSession(hwenc.Config{
		Width:     width,
		Height:    height,
		Framerate: framerate,
		Encoder:   *flagEncoder,
		Device:    *flagDevice,
		Profile:   hwenc.ProfileH264High,
	})
	if err != nil {
		golog.Errorf("unable to initialize encoder: %v", err)
		golog.Fatalf("try an explicit device, e.g. %s -device /dev/dri/renderD128", os.Args[0])
	}
	defer session.Close()

	packets, err := encode(session, out)
	if err != nil {
		golog.Fatalf("encoding failed: %v", err)
	}

	golog.Infof("encoded %d frames into %d packets", *flagSeconds*framerate, packets)
	golog.Infof("output written to %q, test with: ffplay %s", *flagOutput, *flagOutput)
}

// encode pushes synthetic frames through the session and appends every
// produced packet to out.
func encode(session *hwenc.Session, out *os.File) (int, error) {
	frames := *flagSeconds * framerate

	// dummy NV12 data: luminance rides through greyscale, no color
	y := make([]byte, width*height)
	uv := bytes.Repeat([]byte{128}, width*height/2)

	var frame hwenc.Frame
	frame.Linesize[0] = width
	frame.Linesize[1] = width

	packets := 0
	for f := 0; f < frames; f++ {
		for i := range y {
			y[i] = byte(f % 255)
		}
		frame.Data[0] = y
		frame.Data[1] = uv

		if err := session.Submit(frame); err != nil {
			return packets, err
		}
		n, err := drain(session, out)
		if err != nil {
			return packets, err
		}
		packets += n
	}

	// flush and collect the frames the hardware still holds
	if err := session.Flush(); err != nil {
		return packets, err
	}
	n, err := drain(session, out)
	return packets + n, err
}

// drain writes out every packet the session has ready and returns once the
// encoder wants more input or the stream ended.
func drain(session *hwenc.Session, out *os.File) (int, error) {
	n := 0
	for {
		pkt, err := session.Drain()
		if errors.Is(err, hwenc.ErrNeedMoreInput) || errors.Is(err, hwenc.ErrEndOfStream) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if _, err := out.Write(pkt.Data); err != nil {
			return n, err
		}
		n++
	}
}
