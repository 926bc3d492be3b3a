// Package backend defines the narrow contract between the encode pipeline
// and a hardware accelerator implementation. The pipeline owns ordering,
// state and ownership rules; a backend only has to open a device, run a
// codec context on it, stage uploads through a fixed-depth frame pool and
// optionally rescale frames on the device.
package backend

import "errors"

// DeviceType selects the accelerator family a device selector refers to.
type DeviceType string

const (
	DeviceVAAPI        DeviceType = "vaapi"
	DeviceCUDA         DeviceType = "cuda"
	DeviceQSV          DeviceType = "qsv"
	DeviceVideoToolbox DeviceType = "videotoolbox"
)

// StorageFormat is the device-resident surface format of a frame pool.
// Accelerators accept a rich set of upload formats but store frames in a
// small closed set; picking an unsupported one fails pool initialization.
type StorageFormat string

const (
	StorageNV12 StorageFormat = "nv12"   // 8-bit two-plane 4:2:0
	StorageP010 StorageFormat = "p010le" // 10-bit two-plane 4:2:0, little endian
)

// Drain outcomes. Not faults: ErrAgain means the codec or scaler needs more
// input before it can produce, ErrEOF means a flushed stream is exhausted.
var (
	ErrAgain = errors.New("backend: need more input")
	ErrEOF   = errors.New("backend: end of stream")
)

// CodecParams carries the normalized configuration fields a codec context is
// created with. Zero values keep the codec's own defaults except where noted.
type CodecParams struct {
	Width     int
	Height    int
	Framerate int

	// SoftwareFormat is the host-side pixel format uploads arrive in.
	SoftwareFormat string

	Profile    int // 0 infers from codec
	MaxBFrames int
	BitRate    int // > 0 selects VBR
	GOPSize    int // 0 codec default, -1 intra-only

	CompressionLevel int
}

// Option is a single codec open option, e.g. {"qp", "30"}.
type Option struct {
	Key   string
	Value string
}

// OptionWarning reports an option the codec did not consume during open.
type OptionWarning struct {
	Key    string
	Reason string
}

// Packet is one encoded bitstream unit. Data is owned by the receiver; the
// backend must not reuse the slice after handing it out.
type Packet struct {
	Data     []byte
	KeyFrame bool
	PTS      int64
	DTS      int64
}

// Backend opens accelerator devices. Implementations perform any one-time
// process-wide setup themselves, guarded so repeated opens stay cheap.
type Backend interface {
	Name() string
	OpenDevice(typ DeviceType, selector string) (Device, error)
}

// Device is an open accelerator handle. Not shareable across sessions.
type Device interface {
	NewCodec(name string, params CodecParams) (Codec, error)
	Close()
}

// Codec is a codec context bound to a device. The pipeline drives it in a
// fixed order: AllocFramePool, Open, then Submit/Receive cycles, optionally
// through a Scaler, and finally Close.
type Codec interface {
	// AllocFramePool allocates the fixed-depth pool of device-resident
	// frames the codec draws surfaces from and binds it to the context.
	AllocFramePool(width, height int, storage StorageFormat, depth int) (FramePool, error)

	// Open finishes codec setup with per-encoder options. Options the codec
	// does not recognize are returned as warnings, not failures.
	Open(opts []Option) ([]OptionWarning, error)

	// NewScaler builds a device-side rescale graph from the given source
	// dimensions to the codec's encode dimensions, sharing the codec's
	// frame pool and device.
	NewScaler(srcWidth, srcHeight, framerate int) (Scaler, error)

	// Submit hands one hardware frame to the encoder. The codec may buffer
	// it internally without producing output yet.
	Submit(f Frame) error

	// Flush begins end-of-stream draining. No frames may follow.
	Flush() error

	// Receive returns the next completed packet, ErrAgain when the codec
	// needs more input, or ErrEOF when a flushed stream is exhausted.
	Receive() (*Packet, error)

	Close()
}

// FramePool stages host uploads into device memory. Fixed depth, no growth.
type FramePool interface {
	Acquire() (Frame, error)
	Close()
}

// Frame is an opaque device-resident frame buffer.
type Frame interface {
	// Upload transfers host plane data into the buffer. Planes and strides
	// follow the pool's software format layout.
	Upload(planes [][]byte, strides []int) error

	Width() int
	Height() int

	Release()
}

// Scaler is an optional device-side rescale stage between upload and encode.
type Scaler interface {
	// Push feeds one frame into the graph. The caller keeps ownership of f.
	Push(f Frame) error

	// Flush marks end of stream; remaining frames must still be pulled.
	Flush() error

	// Pull returns the next rescaled frame (owned by the caller), ErrAgain
	// when the graph needs more input, or ErrEOF after a flush completes.
	Pull() (Frame, error)

	Close()
}
