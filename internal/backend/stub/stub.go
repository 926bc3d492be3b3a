// Package stub is an in-memory backend used by tests. It implements the
// full contract without touching hardware, records every call and resource
// transition, and can be told to fail at any single step.
package stub

import (
	"fmt"
	"sync"

	"hwenc/internal/backend"
)

// Counters tracks resource lifecycle events across the whole backend.
type Counters struct {
	DevicesOpened int
	DevicesClosed int

	CodecsCreated int
	CodecsOpened  int
	CodecsClosed  int

	PoolsAllocated int
	PoolsClosed    int

	FramesAcquired int // handed out by pools
	FramesScaled   int // produced by scalers
	FramesReleased int

	ScalersBuilt  int
	ScalersClosed int

	DoubleCloses   int
	DoubleReleases int
}

// PoolParams records one AllocFramePool call.
type PoolParams struct {
	Width   int
	Height  int
	Storage backend.StorageFormat
	Depth   int
}

// UploadRecord records one Frame.Upload call.
type UploadRecord struct {
	FrameID int
	Planes  int
	Strides []int
}

// Backend is the scriptable fake. Zero value is usable; set the Err fields
// before the call you want to fail and inspect Counters afterwards.
type Backend struct {
	mu sync.Mutex

	// Failure injection, one per contract operation.
	DeviceErr  error
	CodecErr   error
	PoolErr    error
	OpenErr    error
	ScalerErr  error
	AcquireErr error
	UploadErr  error
	SubmitErr  error
	ReceiveErr error
	PushErr    error
	PullErr    error

	// ReorderDelay is how many frames the fake codec holds back before it
	// starts emitting packets, emulating B-frame/lookahead buffering.
	ReorderDelay int

	// ScalerHold is how many frames the fake scaler buffers before each
	// pull produces output.
	ScalerHold int

	// UnknownOpts lists option keys Open will report as not consumed.
	UnknownOpts []string

	Counters Counters
	Calls    []string

	Pools     []PoolParams
	Uploads   []UploadRecord
	OpenOpts  []backend.Option
	Submitted []*Frame // frames that reached the codec, in order
	Acquired  []*Frame // frames handed out by pools, in order

	LastDeviceType backend.DeviceType
	LastSelector   string
	LastCodecName  string
	LastParams     backend.CodecParams

	nextFrameID int
}

var _ backend.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "stub" }

func (b *Backend) OpenDevice(typ backend.DeviceType, selector string) (backend.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Calls = append(b.Calls, "OpenDevice")
	if b.DeviceErr != nil {
		return nil, b.DeviceErr
	}
	b.Counters.DevicesOpened++
	b.LastDeviceType = typ
	b.LastSelector = selector
	return &Device{b: b}, nil
}

// LiveFrames returns the number of hardware frames currently alive.
func (b *Backend) LiveFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Counters.FramesAcquired + b.Counters.FramesScaled - b.Counters.FramesReleased
}

// Leaks reports every resource imbalance left behind. Empty means clean.
func (b *Backend) Leaks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var leaks []string
	c := b.Counters
	if c.DevicesOpened != c.DevicesClosed {
		leaks = append(leaks, fmt.Sprintf("devices: %d opened, %d closed", c.DevicesOpened, c.DevicesClosed))
	}
	if c.CodecsCreated != c.CodecsClosed {
		leaks = append(leaks, fmt.Sprintf("codecs: %d created, %d closed", c.CodecsCreated, c.CodecsClosed))
	}
	if c.PoolsAllocated != c.PoolsClosed {
		leaks = append(leaks, fmt.Sprintf("pools: %d allocated, %d closed", c.PoolsAllocated, c.PoolsClosed))
	}
	if live := c.FramesAcquired + c.FramesScaled - c.FramesReleased; live != 0 {
		leaks = append(leaks, fmt.Sprintf("frames: %d still alive", live))
	}
	if c.ScalersBuilt != c.ScalersClosed {
		leaks = append(leaks, fmt.Sprintf("scalers: %d built, %d closed", c.ScalersBuilt, c.ScalersClosed))
	}
	if c.DoubleCloses != 0 {
		leaks = append(leaks, fmt.Sprintf("%d double closes", c.DoubleCloses))
	}
	if c.DoubleReleases != 0 {
		leaks = append(leaks, fmt.Sprintf("%d double releases", c.DoubleReleases))
	}
	return leaks
}

// Device

type Device struct {
	b      *Backend
	closed bool
}

var _ backend.Device = (*Device)(nil)

func (d *Device) NewCodec(name string, params backend.CodecParams) (backend.Codec, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	d.b.Calls = append(d.b.Calls, "NewCodec")
	if d.b.CodecErr != nil {
		return nil, d.b.CodecErr
	}
	d.b.Counters.CodecsCreated++
	d.b.LastCodecName = name
	d.b.LastParams = params
	return &Codec{b: d.b, params: params}, nil
}

func (d *Device) Close() {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	d.b.Calls = append(d.b.Calls, "Device.Close")
	if d.closed {
		d.b.Counters.DoubleCloses++
		return
	}
	d.closed = true
	d.b.Counters.DevicesClosed++
}

// Codec

type Codec struct {
	b      *Backend
	params backend.CodecParams

	closed  bool
	flushed bool
	pending []*Frame // submitted, not yet emitted as packets
	pts     int64
}

var _ backend.Codec = (*Codec)(nil)

func (c *Codec) AllocFramePool(width, height int, storage backend.StorageFormat, depth int) (backend.FramePool, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "AllocFramePool")
	if c.b.PoolErr != nil {
		return nil, c.b.PoolErr
	}
	c.b.Counters.PoolsAllocated++
	c.b.Pools = append(c.b.Pools, PoolParams{Width: width, Height: height, Storage: storage, Depth: depth})
	return &FramePool{b: c.b, width: width, height: height, depth: depth}, nil
}

func (c *Codec) Open(opts []backend.Option) ([]backend.OptionWarning, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "Codec.Open")
	if c.b.OpenErr != nil {
		return nil, c.b.OpenErr
	}
	c.b.Counters.CodecsOpened++
	c.b.OpenOpts = append(c.b.OpenOpts, opts...)

	var warns []backend.OptionWarning
	for _, opt := range opts {
		for _, unknown := range c.b.UnknownOpts {
			if opt.Key == unknown {
				warns = append(warns, backend.OptionWarning{Key: opt.Key, Reason: "option not found"})
			}
		}
	}
	return warns, nil
}

func (c *Codec) NewScaler(srcWidth, srcHeight, framerate int) (backend.Scaler, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "NewScaler")
	if c.b.ScalerErr != nil {
		return nil, c.b.ScalerErr
	}
	c.b.Counters.ScalersBuilt++
	return &Scaler{b: c.b, dstWidth: c.params.Width, dstHeight: c.params.Height}, nil
}

func (c *Codec) Submit(f backend.Frame) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "Codec.Submit")
	if c.b.SubmitErr != nil {
		return c.b.SubmitErr
	}
	if c.flushed {
		return fmt.Errorf("stub: submit after flush")
	}
	sf, ok := f.(*Frame)
	if !ok {
		return fmt.Errorf("stub: foreign frame type %T", f)
	}
	c.b.Submitted = append(c.b.Submitted, sf)
	c.pending = append(c.pending, sf)
	return nil
}

func (c *Codec) Flush() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "Codec.Flush")
	if c.flushed {
		return fmt.Errorf("stub: double flush")
	}
	c.flushed = true
	return nil
}

func (c *Codec) Receive() (*backend.Packet, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "Codec.Receive")
	if c.b.ReceiveErr != nil {
		return nil, c.b.ReceiveErr
	}

	emit := len(c.pending) > c.b.ReorderDelay || (c.flushed && len(c.pending) > 0)
	if !emit {
		if c.flushed {
			return nil, backend.ErrEOF
		}
		return nil, backend.ErrAgain
	}

	f := c.pending[0]
	c.pending = c.pending[1:]
	pts := c.pts
	c.pts++
	return &backend.Packet{
		Data:     []byte{0, 0, 0, 1, byte(f.id)},
		KeyFrame: pts == 0,
		PTS:      pts,
		DTS:      pts,
	}, nil
}

func (c *Codec) Close() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.Calls = append(c.b.Calls, "Codec.Close")
	if c.closed {
		c.b.Counters.DoubleCloses++
		return
	}
	c.closed = true
	c.b.Counters.CodecsClosed++
}

// FramePool

type FramePool struct {
	b      *Backend
	width  int
	height int
	depth  int
	live   int
	closed bool
}

var _ backend.FramePool = (*FramePool)(nil)

func (p *FramePool) Acquire() (backend.Frame, error) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	p.b.Calls = append(p.b.Calls, "Pool.Acquire")
	if p.b.AcquireErr != nil {
		return nil, p.b.AcquireErr
	}
	if p.live >= p.depth {
		return nil, fmt.Errorf("stub: pool exhausted (%d frames)", p.depth)
	}
	p.live++
	p.b.Counters.FramesAcquired++
	p.b.nextFrameID++
	f := &Frame{b: p.b, pool: p, id: p.b.nextFrameID, width: p.width, height: p.height}
	p.b.Acquired = append(p.b.Acquired, f)
	return f, nil
}

func (p *FramePool) Close() {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()

	p.b.Calls = append(p.b.Calls, "Pool.Close")
	if p.closed {
		p.b.Counters.DoubleCloses++
		return
	}
	p.closed = true
	p.b.Counters.PoolsClosed++
}

// Frame

type Frame struct {
	b        *Backend
	pool     *FramePool
	id       int
	width    int
	height   int
	released bool
}

var _ backend.Frame = (*Frame)(nil)

func (f *Frame) Upload(planes [][]byte, strides []int) error {
	f.b.mu.Lock()
	defer f.b.mu.Unlock()

	f.b.Calls = append(f.b.Calls, "Frame.Upload")
	if f.b.UploadErr != nil {
		return f.b.UploadErr
	}
	rec := UploadRecord{FrameID: f.id, Planes: len(planes)}
	rec.Strides = append(rec.Strides, strides...)
	f.b.Uploads = append(f.b.Uploads, rec)
	return nil
}

func (f *Frame) Width() int  { return f.width }
func (f *Frame) Height() int { return f.height }

func (f *Frame) Release() {
	f.b.mu.Lock()
	defer f.b.mu.Unlock()

	f.b.Calls = append(f.b.Calls, "Frame.Release")
	if f.released {
		f.b.Counters.DoubleReleases++
		return
	}
	f.released = true
	f.b.Counters.FramesReleased++
	if f.pool != nil {
		f.pool.live--
	}
}

// Scaler

type Scaler struct {
	b         *Backend
	dstWidth  int
	dstHeight int

	closed  bool
	flushed bool
	held    int // frames pushed but not yet turned into output
}

var _ backend.Scaler = (*Scaler)(nil)

func (s *Scaler) Push(f backend.Frame) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.b.Calls = append(s.b.Calls, "Scaler.Push")
	if s.b.PushErr != nil {
		return s.b.PushErr
	}
	if s.flushed {
		return fmt.Errorf("stub: push after flush")
	}
	s.held++
	return nil
}

func (s *Scaler) Flush() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.b.Calls = append(s.b.Calls, "Scaler.Flush")
	s.flushed = true
	return nil
}

func (s *Scaler) Pull() (backend.Frame, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.b.Calls = append(s.b.Calls, "Scaler.Pull")
	if s.b.PullErr != nil {
		return nil, s.b.PullErr
	}

	emit := s.held > s.b.ScalerHold || (s.flushed && s.held > 0)
	if !emit {
		if s.flushed {
			return nil, backend.ErrEOF
		}
		return nil, backend.ErrAgain
	}

	s.held--
	s.b.Counters.FramesScaled++
	s.b.nextFrameID++
	return &Frame{b: s.b, id: s.b.nextFrameID, width: s.dstWidth, height: s.dstHeight}, nil
}

func (s *Scaler) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.b.Calls = append(s.b.Calls, "Scaler.Close")
	if s.closed {
		s.b.Counters.DoubleCloses++
		return
	}
	s.closed = true
	s.b.Counters.ScalersClosed++
}
