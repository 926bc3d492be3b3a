package hwenc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kataras/golog"

	"hwenc/internal/backend"
	"hwenc/internal/backend/ffmpeg"
)

var logger = golog.Child("[hwenc]")

// sessionState tracks the lifecycle of a Session. States only move forward.
type sessionState int

const (
	stateReady sessionState = iota
	stateFlushing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateFlushing:
		return "flushing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OptionWarning reports a codec option that was passed through but not
// consumed by the encoder, e.g. an NVENC preset handed to a VAAPI encoder.
type OptionWarning struct {
	Key    string
	Reason string
}

// Session is one hardware encoding session. It owns a device handle, a codec
// context, a frame pool, an optional scaler graph and at most one in-flight
// hardware frame, and releases all of them on Close.
//
// A session is not safe for concurrent use: the caller must serialize
// Submit, Flush and Drain. Close is idempotent and may be called from any
// state, including concurrently with itself.
type Session struct {
	id  string
	cfg resolved

	device backend.Device
	codec  backend.Codec
	pool   backend.FramePool
	scaler backend.Scaler

	hwFrame  backend.Frame
	warnings []OptionWarning

	mu    sync.Mutex
	state sessionState
}

// NewSession builds a Ready session from cfg or fails without leaking
// anything it acquired along the way. Initialization errors wrap ErrConfig,
// ErrDevice or ErrPool.
func NewSession(cfg Config) (*Session, error) {
	return newSession(cfg, ffmpeg.New())
}

// newSession is the backend seam used by tests.
func newSession(cfg Config, b backend.Backend) (*Session, error) {
	r, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:  uuid.New().String(),
		cfg: r,
	}

	if err := s.init(b); err != nil {
		s.teardownLocked()
		s.state = stateClosed
		return nil, err
	}
	return s, nil
}

func (s *Session) init(b backend.Backend) error {
	r := s.cfg

	dev, err := b.OpenDevice(r.deviceType, r.device)
	if err != nil {
		if r.device == "" {
			return fmt.Errorf("%w: open default %s device: %v (try an explicit device, e.g. /dev/dri/renderD128)",
				ErrDevice, r.deviceType, err)
		}
		return fmt.Errorf("%w: open %s device %q: %v", ErrDevice, r.deviceType, r.device, err)
	}
	s.device = dev

	codec, err := dev.NewCodec(r.encoder, r.codecParams())
	if err != nil {
		return fmt.Errorf("%w: create encoder %q: %v", ErrConfig, r.encoder, err)
	}
	s.codec = codec

	pool, err := codec.AllocFramePool(r.uploadWidth, r.uploadHeight, r.storage, hardwarePoolDepth)
	if err != nil {
		return fmt.Errorf("%w: allocate %dx%d %s pool: %v (make sure the pixel format is supported)",
			ErrPool, r.uploadWidth, r.uploadHeight, r.storage, err)
	}
	s.pool = pool

	warns, err := codec.Open(r.codecOptions())
	if err != nil {
		return fmt.Errorf("%w: open encoder %q: %v", ErrConfig, r.encoder, err)
	}
	for _, w := range warns {
		s.warnings = append(s.warnings, OptionWarning(w))
		logger.Warnf("[%s] encoder %s: option %q %s", s.id, r.encoder, w.Key, w.Reason)
	}

	if r.scale {
		scaler, err := codec.NewScaler(r.uploadWidth, r.uploadHeight, r.framerate)
		if err != nil {
			return fmt.Errorf("%w: build %dx%d to %dx%d scaler: %v",
				ErrConfig, r.uploadWidth, r.uploadHeight, r.width, r.height, err)
		}
		s.scaler = scaler
	}

	logger.Infof("[%s] ready: %s %dx%d@%d %s rate=%s scale=%v on %s(%s) via %s",
		s.id, r.encoder, r.width, r.height, r.framerate, r.pixelFormat,
		r.rate, r.scale, r.deviceType, r.device, b.Name())
	return nil
}

// ID returns the session's unique identifier, as used in its log lines.
func (s *Session) ID() string { return s.id }

// Warnings returns the unconsumed-option diagnostics collected while the
// encoder was opened. How to surface them is the caller's decision.
func (s *Session) Warnings() []OptionWarning { return s.warnings }

// Submit uploads one frame and hands it to the encoder, replacing (and
// releasing) the previously submitted hardware frame. Only legal in the
// Ready state. The frame is borrowed for the duration of the call.
func (s *Session) Submit(f Frame) error {
	if s.state != stateReady {
		return fmt.Errorf("%w: submit on %s session", ErrSubmit, s.state)
	}

	s.releaseHardwareFrame()

	for i := 0; i < s.cfg.planes; i++ {
		if f.Data[i] == nil {
			return fmt.Errorf("%w: %s frame needs %d planes, plane %d is nil",
				ErrSubmit, s.cfg.pixelFormat, s.cfg.planes, i)
		}
	}

	hw, err := s.pool.Acquire()
	if err != nil {
		return fmt.Errorf("%w: acquire hardware frame: %v", ErrUpload, err)
	}
	if err := hw.Upload(f.Data[:s.cfg.planes], f.Linesize[:s.cfg.planes]); err != nil {
		hw.Release()
		return fmt.Errorf("%w: transfer frame to hardware: %v", ErrUpload, err)
	}
	s.hwFrame = hw

	if s.scaler != nil {
		return s.scaleEncode()
	}

	if err := s.codec.Submit(hw); err != nil {
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	return nil
}

// scaleEncode pushes the in-flight frame through the scaler and submits
// every rescaled frame it produces. The in-flight frame stays owned by the
// session; scaler output is released as soon as the codec took it.
func (s *Session) scaleEncode() error {
	if err := s.scaler.Push(s.hwFrame); err != nil {
		return fmt.Errorf("%w: push frame to scaler: %v", ErrSubmit, err)
	}
	return s.drainScaler()
}

func (s *Session) drainScaler() error {
	for {
		out, err := s.scaler.Pull()
		if errors.Is(err, backend.ErrAgain) || errors.Is(err, backend.ErrEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: pull scaled frame: %v", ErrDrain, err)
		}

		err = s.codec.Submit(out)
		out.Release()
		if err != nil {
			return fmt.Errorf("%w: submit scaled frame: %v", ErrSubmit, err)
		}
	}
}

// Flush signals end of stream. It moves a Ready session to Flushing; frames
// still buffered inside the scaler graph are drained into the encoder first.
// Flushing an already-flushing session is a no-op; flushing a closed one is
// an error. After Flush, keep draining until ErrEndOfStream.
func (s *Session) Flush() error {
	switch s.state {
	case stateClosed:
		return fmt.Errorf("%w: flush on closed session", ErrSubmit)
	case stateFlushing:
		return nil
	}

	s.releaseHardwareFrame()

	if s.scaler != nil {
		if err := s.scaler.Flush(); err != nil {
			return fmt.Errorf("%w: flush scaler: %v", ErrSubmit, err)
		}
		if err := s.drainScaler(); err != nil {
			return err
		}
	}

	if err := s.codec.Flush(); err != nil {
		return fmt.Errorf("%w: flush encoder: %v", ErrSubmit, err)
	}

	s.state = stateFlushing
	logger.Debugf("[%s] flushing", s.id)
	return nil
}

// Drain returns the next completed packet. It ends each drain loop with
// ErrNeedMoreInput (submit more frames first) or, once the session was
// flushed and emptied, ErrEndOfStream. Packets may lag submissions by
// several frames, so callers must drain to exhaustion after every Submit.
func (s *Session) Drain() (*Packet, error) {
	if s.state == stateClosed {
		return nil, fmt.Errorf("%w: drain on closed session", ErrDrain)
	}

	pkt, err := s.codec.Receive()
	switch {
	case errors.Is(err, backend.ErrAgain):
		return nil, ErrNeedMoreInput
	case errors.Is(err, backend.ErrEOF):
		return nil, ErrEndOfStream
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrDrain, err)
	}

	return &Packet{
		Data:     pkt.Data,
		KeyFrame: pkt.KeyFrame,
		PTS:      pkt.PTS,
		DTS:      pkt.DTS,
	}, nil
}

// Close releases everything the session owns, children before parents:
// the in-flight hardware frame, then the scaler graph, the frame pool, the
// codec context and finally the device. Safe to call twice and safe in any
// state, including a session abandoned mid-stream.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	s.teardownLocked()
	s.state = stateClosed
	logger.Infof("[%s] closed", s.id)
	return nil
}

func (s *Session) teardownLocked() {
	s.releaseHardwareFrame()
	if s.scaler != nil {
		s.scaler.Close()
		s.scaler = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
}

func (s *Session) releaseHardwareFrame() {
	if s.hwFrame != nil {
		s.hwFrame.Release()
		s.hwFrame = nil
	}
}
