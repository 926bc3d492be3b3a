package hwenc

import "errors"

// Error classes. Every error returned by this package wraps exactly one of
// these, so callers can discriminate with errors.Is without string matching.
var (
	// ErrConfig covers bad configuration values and codecs rejecting the
	// resolved parameters.
	ErrConfig = errors.New("hwenc: invalid configuration")

	// ErrDevice is an accelerator open failure.
	ErrDevice = errors.New("hwenc: device error")

	// ErrPool is a hardware frame pool allocation or init failure, most
	// commonly an unsupported storage format.
	ErrPool = errors.New("hwenc: frame pool error")

	// ErrUpload is a host-to-device frame transfer failure.
	ErrUpload = errors.New("hwenc: upload error")

	// ErrSubmit is the codec or scaler rejecting a frame, or a submit in
	// the Flushing or Closed state.
	ErrSubmit = errors.New("hwenc: submit error")

	// ErrDrain is a genuine codec or scaler fault while draining.
	ErrDrain = errors.New("hwenc: drain error")
)

// Drain outcomes. These are not faults; they end a drain loop the same way
// io.EOF ends a read loop.
var (
	// ErrNeedMoreInput means the encoder holds no completed packet and
	// needs more frames before the next one.
	ErrNeedMoreInput = errors.New("hwenc: need more input")

	// ErrEndOfStream means a flushed session has emitted everything it
	// ever will.
	ErrEndOfStream = errors.New("hwenc: end of stream")
)
