// hwenc-raw-hevc10 encodes synthetic 10-bit frames through a hardware HEVC
// encoder and dumps the raw bitstream to a file.
package main

import (
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
	flagEncoder = flag.String("encoder", "hevc_vaapi", "Encoder name, e.g. hevc_vaapi, hevc_nvenc")
	flagDevice  = flag.String("device", "", "Accelerator device, e.g. /dev/dri/renderD128 (empty: platform default)")
	flagOutput  = flag.String("output", "output.hevc", "Output file for the raw bitstream")
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
		Width:       width,
		Height:      height,
		Framerate:   framerate,
		Encoder:     *flagEncoder,
		Device:      *flagDevice,
		PixelFormat: "p010le",
		Profile:     hwenc.ProfileHEVCMain10,
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

// fill16 fills dst with a little-endian 16-bit sample value.
func fill16(dst []byte, v uint16) {
	for i := 0; i < len(dst); i += 2 {
		dst[i] = byte(v)
		dst[i+1] = byte(v >> 8)
	}
}

// encode pushes synthetic 10-bit frames through the session and appends
// every produced packet to out.
func encode(session *hwenc.Session, out *os.File) (int, error) {
	frames := *flagSeconds * framerate

	// dummy p010le data, two bytes per sample
	y := make([]byte, width*height*2)
	uv := make([]byte, width*height)
	fill16(uv, 0xFFFF/2) // middle value, no color

	var frame hwenc.Frame
	frame.Linesize[0] = width * 2
	frame.Linesize[1] = width * 2

	packets := 0
	for f := 0; f < frames; f++ {
		// luminance interpolates between black and white over the run
		fill16(y, uint16(0xFFFF*f/frames))
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

	if err := session.Flush(); err != nil {
		return packets, err
	}
	n, err := drain(session, out)
	return packets + n, err
}

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
