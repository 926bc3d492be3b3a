package hwenc

import (
	"fmt"
	"strconv"
	"strings"

	"hwenc/internal/backend"
)

// Defaults applied by configuration normalization.
const (
	// DefaultEncoder is used when Config.Encoder is empty.
	DefaultEncoder = "h264_vaapi"

	// DefaultPixelFormat is used when Config.PixelFormat is empty.
	DefaultPixelFormat = "nv12"
)

// hardwarePoolDepth is the fixed number of device-resident frames allocated
// per session. It has to cover the accelerator's internal reordering window;
// the pool never grows.
const hardwarePoolDepth = 20

// Common Config.Profile values, matching FFmpeg's FF_PROFILE_* constants.
const (
	ProfileH264ConstrainedBaseline = 578
	ProfileH264Main                = 77
	ProfileH264High                = 100
	ProfileHEVCMain                = 1
	ProfileHEVCMain10              = 2
)

// Config describes one encoding session. The zero value of every field means
// "use the default". A Config is consumed once by NewSession and never
// mutated afterwards.
type Config struct {
	// Width and Height are the encoded output dimensions. Required.
	Width  int
	Height int

	// InputWidth and InputHeight are the dimensions frames are uploaded
	// at. Optional, but must be given together. When they differ from the
	// output dimensions the session rescales on the device.
	InputWidth  int
	InputHeight int

	// Framerate in frames per second. Required.
	Framerate int

	// Device selects the accelerator, e.g. "/dev/dri/renderD128" for
	// VAAPI or an adapter index for NVENC. Empty picks the platform
	// default device.
	Device string

	// Encoder is the hardware encoder name, e.g. "h264_vaapi",
	// "hevc_vaapi", "h264_nvenc", "hevc_nvenc", "h264_qsv". Empty selects
	// DefaultEncoder. The accelerator family is inferred from the name.
	Encoder string

	// PixelFormat is the software format frames are uploaded in, e.g.
	// "nv12", "yuv420p", "rgb0", "bgr0", "p010le". Empty selects
	// DefaultPixelFormat. 10-bit formats switch the device-side storage
	// to its 10-bit variant.
	PixelFormat string

	// Profile forces a codec profile, e.g. FF-style constants of the
	// encoder in use. 0 lets the codec infer one.
	Profile int

	// MaxBFrames is the maximum number of consecutive B-frames. 0
	// minimizes latency, non-zero trades latency for size.
	MaxBFrames int

	// RateControl selects CQP or VBR. The zero value keeps the
	// accelerator's default (typically a driver-chosen CQP).
	RateControl RateControl

	// GOPSize is the group-of-pictures size, the interval between forced
	// keyframes. 0 keeps the codec default, -1 forces intra-only.
	GOPSize int

	// CompressionLevel is the speed/quality tradeoff where the encoder
	// supports one (1 highest quality, 7 fastest on VAAPI). 0 keeps the
	// default.
	CompressionLevel int

	// LowPower selects the alternative limited low-power encoding path
	// on accelerators that have one (VAAPI, QSV).
	LowPower bool

	// NVENCPreset, NVENCDelay and NVENCZeroLatency are passed through to
	// NVENC encoders unvalidated and ignored elsewhere (encoders report
	// options they do not consume, see Session.Warnings). Delay 0 keeps
	// the default, -1 requests no reordering delay.
	NVENCPreset      string
	NVENCDelay       int
	NVENCZeroLatency bool
}

// RateControl is the rate-control choice for a session. Construct it with
// ConstantQuality or VariableBitrate; the zero value selects the
// accelerator's default mode.
type RateControl struct {
	mode    rateControlMode
	qp      int
	bitrate int
}

type rateControlMode int

const (
	rateControlDefault rateControlMode = iota
	rateControlConstantQuality
	rateControlVariableBitrate
)

// ConstantQuality selects CQP mode with the given quantization parameter.
func ConstantQuality(qp int) RateControl {
	return RateControl{mode: rateControlConstantQuality, qp: qp}
}

// VariableBitrate selects VBR mode with the given average bitrate in bits
// per second.
func VariableBitrate(bitsPerSecond int) RateControl {
	return RateControl{mode: rateControlVariableBitrate, bitrate: bitsPerSecond}
}

func (rc RateControl) String() string {
	switch rc.mode {
	case rateControlConstantQuality:
		return fmt.Sprintf("cqp(qp=%d)", rc.qp)
	case rateControlVariableBitrate:
		return fmt.Sprintf("vbr(%d bps)", rc.bitrate)
	default:
		return "default"
	}
}

// pixelFormat describes one supported software upload format.
type pixelFormat struct {
	planes int
	depth  int // max bits per component
}

// pixelFormats lists the upload formats sessions accept. What the
// accelerator actually supports is narrower and device dependent; an
// unsupported choice surfaces as a pool or upload failure, not here.
var pixelFormats = map[string]pixelFormat{
	"nv12":        {planes: 2, depth: 8},
	"nv21":        {planes: 2, depth: 8},
	"yuv420p":     {planes: 3, depth: 8},
	"yuv422p":     {planes: 3, depth: 8},
	"yuv444p":     {planes: 3, depth: 8},
	"yuyv422":     {planes: 1, depth: 8},
	"uyvy422":     {planes: 1, depth: 8},
	"rgb0":        {planes: 1, depth: 8},
	"bgr0":        {planes: 1, depth: 8},
	"rgba":        {planes: 1, depth: 8},
	"bgra":        {planes: 1, depth: 8},
	"p010le":      {planes: 2, depth: 10},
	"yuv420p10le": {planes: 3, depth: 10},
}

// resolved is a Config with every default filled in and every derived value
// computed. Sessions only ever see resolved configurations.
type resolved struct {
	width     int
	height    int
	framerate int

	device     string
	deviceType backend.DeviceType

	encoder     string
	pixelFormat string
	planes      int
	depth       int
	storage     backend.StorageFormat

	uploadWidth  int
	uploadHeight int
	scale        bool

	profile          int
	maxBFrames       int
	rate             RateControl
	gopSize          int
	compressionLevel int

	lowPower         bool
	nvencPreset      string
	nvencDelay       int
	nvencZeroLatency bool
}

// normalize validates cfg and resolves all defaults and derived values.
func (cfg Config) normalize() (resolved, error) {
	var r resolved

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return r, fmt.Errorf("%w: output dimensions %dx%d", ErrConfig, cfg.Width, cfg.Height)
	}
	if cfg.Framerate <= 0 {
		return r, fmt.Errorf("%w: framerate %d", ErrConfig, cfg.Framerate)
	}
	if (cfg.InputWidth > 0) != (cfg.InputHeight > 0) {
		return r, fmt.Errorf("%w: input dimensions must be given together (got %dx%d)",
			ErrConfig, cfg.InputWidth, cfg.InputHeight)
	}
	if cfg.InputWidth < 0 || cfg.InputHeight < 0 {
		return r, fmt.Errorf("%w: input dimensions %dx%d", ErrConfig, cfg.InputWidth, cfg.InputHeight)
	}
	if cfg.MaxBFrames < 0 {
		return r, fmt.Errorf("%w: max B-frames %d", ErrConfig, cfg.MaxBFrames)
	}
	if cfg.GOPSize < -1 {
		return r, fmt.Errorf("%w: GOP size %d", ErrConfig, cfg.GOPSize)
	}
	if cfg.RateControl.qp < 0 || cfg.RateControl.bitrate < 0 {
		return r, fmt.Errorf("%w: rate control %s", ErrConfig, cfg.RateControl)
	}

	r.width = cfg.Width
	r.height = cfg.Height
	r.framerate = cfg.Framerate
	r.device = cfg.Device

	r.encoder = cfg.Encoder
	if r.encoder == "" {
		r.encoder = DefaultEncoder
	}
	r.deviceType = deviceTypeFor(r.encoder)

	r.pixelFormat = cfg.PixelFormat
	if r.pixelFormat == "" {
		r.pixelFormat = DefaultPixelFormat
	}
	pf, ok := pixelFormats[r.pixelFormat]
	if !ok {
		return r, fmt.Errorf("%w: unknown pixel format %q", ErrConfig, r.pixelFormat)
	}
	r.planes = pf.planes
	r.depth = pf.depth

	// Accelerators store frames in a small closed set of formats no
	// matter which upload formats they accept. 10-bit input keeps 10-bit
	// storage, everything else falls back to 8-bit 4:2:0.
	r.storage = backend.StorageNV12
	if r.depth == 10 {
		r.storage = backend.StorageP010
	}

	r.uploadWidth = cfg.Width
	r.uploadHeight = cfg.Height
	if cfg.InputWidth > 0 {
		r.uploadWidth = cfg.InputWidth
		r.uploadHeight = cfg.InputHeight
		r.scale = cfg.InputWidth != cfg.Width || cfg.InputHeight != cfg.Height
	}

	r.profile = cfg.Profile
	r.maxBFrames = cfg.MaxBFrames
	r.rate = cfg.RateControl
	r.gopSize = cfg.GOPSize
	r.compressionLevel = cfg.CompressionLevel
	r.lowPower = cfg.LowPower
	r.nvencPreset = cfg.NVENCPreset
	r.nvencDelay = cfg.NVENCDelay
	r.nvencZeroLatency = cfg.NVENCZeroLatency

	return r, nil
}

// deviceTypeFor infers the accelerator family from the encoder name.
func deviceTypeFor(encoder string) backend.DeviceType {
	switch {
	case strings.HasSuffix(encoder, "_nvenc"):
		return backend.DeviceCUDA
	case strings.HasSuffix(encoder, "_qsv"):
		return backend.DeviceQSV
	case strings.HasSuffix(encoder, "_videotoolbox"):
		return backend.DeviceVideoToolbox
	default:
		return backend.DeviceVAAPI
	}
}

// codecParams maps the resolved configuration onto the backend's codec
// creation parameters.
func (r resolved) codecParams() backend.CodecParams {
	p := backend.CodecParams{
		Width:            r.width,
		Height:           r.height,
		Framerate:        r.framerate,
		SoftwareFormat:   r.pixelFormat,
		Profile:          r.profile,
		MaxBFrames:       r.maxBFrames,
		GOPSize:          r.gopSize,
		CompressionLevel: r.compressionLevel,
	}
	if r.rate.mode == rateControlVariableBitrate {
		p.BitRate = r.rate.bitrate
	}
	return p
}

// codecOptions builds the option list handed to the codec open call.
// Options the encoder does not know come back as warnings, which is how
// vendor passthrough stays unvalidated.
func (r resolved) codecOptions() []backend.Option {
	var opts []backend.Option
	if r.rate.mode == rateControlConstantQuality {
		opts = append(opts, backend.Option{Key: "qp", Value: strconv.Itoa(r.rate.qp)})
	}
	if r.lowPower {
		opts = append(opts, backend.Option{Key: "low_power", Value: "1"})
	}
	if r.nvencPreset != "" {
		opts = append(opts, backend.Option{Key: "preset", Value: r.nvencPreset})
	}
	if r.nvencDelay != 0 {
		delay := r.nvencDelay
		if delay == -1 {
			delay = 0
		}
		opts = append(opts, backend.Option{Key: "delay", Value: strconv.Itoa(delay)})
	}
	if r.nvencZeroLatency {
		opts = append(opts, backend.Option{Key: "zerolatency", Value: "1"})
	}
	return opts
}
