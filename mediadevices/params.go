// Package mediadevices plugs hardware encoding sessions into the
// pion/mediadevices codec pipeline, so a media track can be encoded on a
// VAAPI, NVENC or QuickSync device instead of in software.
package mediadevices

import (
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
)

// Params stores hardware specific encoding parameters.
type Params struct {
	codec.BaseParams

	// Encoder names the hardware encoder, empty means h264_vaapi. The
	// RTP payloading assumes H.264, so only h264_* encoders make sense
	// here.
	Encoder string

	// Device selects the accelerator, empty means the platform default.
	Device string
}

// NewParams returns default hardware codec parameters.
func NewParams() (Params, error) {
	return Params{
		BaseParams: codec.BaseParams{
			KeyFrameInterval: 60,
		},
	}, nil
}

// RTPCodec represents the codec metadata
func (p *Params) RTPCodec() *codec.RTPCodec {
	return codec.NewRTPH264Codec(90000)
}

// BuildVideoEncoder builds a hardware encoder with the given params
func (p *Params) BuildVideoEncoder(r video.Reader, property prop.Media) (codec.ReadCloser, error) {
	return newEncoder(r, property, *p)
}
