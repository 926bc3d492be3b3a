package hwenc

import (
	"bytes"
	"errors"
	"testing"

	"hwenc/internal/backend"
	"hwenc/internal/backend/stub"
)

// grayFrame builds an nv12 frame with a flat luma plane.
func grayFrame(width, height int, y byte) Frame {
	var f Frame
	f.Data[0] = bytes.Repeat([]byte{y}, width*height)
	f.Data[1] = bytes.Repeat([]byte{128}, width*height/2)
	f.Linesize[0] = width
	f.Linesize[1] = width
	return f
}

// drainAvailable pulls packets until the session asks for more input or
// reports end of stream.
func drainAvailable(t *testing.T, s *Session) []*Packet {
	t.Helper()
	var pkts []*Packet
	for {
		pkt, err := s.Drain()
		if errors.Is(err, ErrNeedMoreInput) || errors.Is(err, ErrEndOfStream) {
			return pkts
		}
		if err != nil {
			t.Fatalf("drain failed: %v", err)
		}
		pkts = append(pkts, pkt)
	}
}

// drainUntilEndOfStream pulls packets after a flush and fails the test if
// the drain loop does not terminate with ErrEndOfStream.
func drainUntilEndOfStream(t *testing.T, s *Session) []*Packet {
	t.Helper()
	var pkts []*Packet
	for {
		pkt, err := s.Drain()
		if errors.Is(err, ErrEndOfStream) {
			return pkts
		}
		if err != nil {
			t.Fatalf("expected packets or end of stream, got %v", err)
		}
		pkts = append(pkts, pkt)
	}
}

func callIndexes(calls []string, name string) []int {
	var idx []int
	for i, c := range calls {
		if c == name {
			idx = append(idx, i)
		}
	}
	return idx
}

func TestSessionEncodeRoundTrip(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{
		Width: 16, Height: 16, Framerate: 1,
		RateControl: ConstantQuality(30),
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}

	var pkts []*Packet
	for _, y := range []byte{0, 128, 255} {
		f := grayFrame(16, 16, y)
		if err := s.Submit(f); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		pkts = append(pkts, drainAvailable(t, s)...)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	pkts = append(pkts, drainUntilEndOfStream(t, s)...)

	if len(pkts) == 0 {
		t.Fatalf("expected at least one packet")
	}
	if !pkts[0].KeyFrame {
		t.Fatalf("expected the first packet to be a keyframe")
	}
	for i, pkt := range pkts {
		if len(pkt.Data) == 0 {
			t.Fatalf("packet %d is empty", i)
		}
	}

	if len(b.Uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(b.Uploads))
	}
	for i, up := range b.Uploads {
		if up.Planes != 2 {
			t.Fatalf("upload %d: expected 2 planes, got %d", i, up.Planes)
		}
		if up.Strides[0] != 16 || up.Strides[1] != 16 {
			t.Fatalf("upload %d: expected strides 16/16, got %v", i, up.Strides)
		}
	}

	foundQP := false
	for _, opt := range b.OpenOpts {
		if opt.Key == "qp" && opt.Value == "30" {
			foundQP = true
		}
	}
	if !foundQP {
		t.Fatalf("expected qp=30 to reach the encoder, got %v", b.OpenOpts)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if leaks := b.Leaks(); len(leaks) != 0 {
		t.Fatalf("leaks after close: %v", leaks)
	}
}

func TestSubmitReachesEncoderUnscaled(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	if b.Counters.ScalersBuilt != 0 {
		t.Fatalf("expected no scaler, got %d", b.Counters.ScalersBuilt)
	}
	if err := s.Submit(grayFrame(320, 240, 128)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(b.Submitted) != 1 || len(b.Acquired) != 1 {
		t.Fatalf("expected 1 submitted and 1 acquired frame, got %d/%d", len(b.Submitted), len(b.Acquired))
	}
	if b.Submitted[0] != b.Acquired[0] {
		t.Fatalf("expected the uploaded frame itself to reach the encoder")
	}
}

func TestSubmitReleasesPreviousFrame(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}

	if err := s.Submit(grayFrame(320, 240, 0)); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := s.Submit(grayFrame(320, 240, 255)); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	if b.Counters.FramesReleased != 1 {
		t.Fatalf("expected previous frame released, got %d releases", b.Counters.FramesReleased)
	}
	if b.LiveFrames() != 1 {
		t.Fatalf("expected exactly one in-flight frame, got %d", b.LiveFrames())
	}

	// the release must land between the two acquires
	acquires := callIndexes(b.Calls, "Pool.Acquire")
	releases := callIndexes(b.Calls, "Frame.Release")
	if len(acquires) != 2 || len(releases) != 1 {
		t.Fatalf("expected 2 acquires and 1 release, got %d/%d", len(acquires), len(releases))
	}
	if releases[0] < acquires[0] || releases[0] > acquires[1] {
		t.Fatalf("expected release between acquires, calls: %v", b.Calls)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if b.LiveFrames() != 0 {
		t.Fatalf("expected no live frames after close, got %d", b.LiveFrames())
	}
}

func TestScalingRewritesDimensions(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{
		Width: 320, Height: 240, Framerate: 30,
		InputWidth: 640, InputHeight: 480,
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	if b.Counters.ScalersBuilt != 1 {
		t.Fatalf("expected a scaler, got %d", b.Counters.ScalersBuilt)
	}
	if err := s.Submit(grayFrame(640, 480, 128)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if len(b.Submitted) != 1 {
		t.Fatalf("expected 1 frame at the encoder, got %d", len(b.Submitted))
	}
	if b.Submitted[0] == b.Acquired[0] {
		t.Fatalf("expected a rescaled frame at the encoder, not the upload")
	}
	if b.Submitted[0].Width() != 320 || b.Submitted[0].Height() != 240 {
		t.Fatalf("expected encoder input at 320x240, got %dx%d",
			b.Submitted[0].Width(), b.Submitted[0].Height())
	}
	if b.Counters.FramesScaled != 1 {
		t.Fatalf("expected 1 scaled frame, got %d", b.Counters.FramesScaled)
	}
	// scaler output is released as soon as the encoder has it
	if b.LiveFrames() != 1 {
		t.Fatalf("expected only the upload frame in flight, got %d", b.LiveFrames())
	}
}

func TestNoScalerWhenDimensionsMatch(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{
		Width: 640, Height: 480, Framerate: 30,
		InputWidth: 640, InputHeight: 480,
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	if b.Counters.ScalersBuilt != 0 {
		t.Fatalf("expected no scaler for matching dimensions, got %d", b.Counters.ScalersBuilt)
	}
}

func TestSubmitValidatesPlanes(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	var f Frame
	f.Data[0] = make([]byte, 320*240) // nv12 needs the UV plane too
	f.Linesize[0] = 320
	if err := s.Submit(f); !errors.Is(err, ErrSubmit) {
		t.Fatalf("expected ErrSubmit for missing plane, got %v", err)
	}
	if b.Counters.FramesAcquired != 0 {
		t.Fatalf("expected no frame acquired for a rejected submit")
	}
}

func TestFlushOnce(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	if err := s.Submit(grayFrame(320, 240, 128)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("repeated flush should be a no-op, got %v", err)
	}
	if n := len(callIndexes(b.Calls, "Codec.Flush")); n != 1 {
		t.Fatalf("expected the codec flushed once, got %d", n)
	}

	if err := s.Submit(grayFrame(320, 240, 128)); !errors.Is(err, ErrSubmit) {
		t.Fatalf("expected ErrSubmit after flush, got %v", err)
	}
	if len(b.Submitted) != 1 {
		t.Fatalf("a rejected submit must not reach the encoder, got %d frames", len(b.Submitted))
	}

	// the session keeps draining normally after the rejected submit
	if pkts := drainUntilEndOfStream(t, s); len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(pkts))
	}
}

func TestFlushDrainsScalerFirst(t *testing.T) {
	b := stub.New()
	b.ScalerHold = 2
	s, err := newSession(Config{
		Width: 320, Height: 240, Framerate: 30,
		InputWidth: 640, InputHeight: 480,
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.Submit(grayFrame(640, 480, byte(i))); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}
	// two frames are still buffered inside the scaler graph
	if len(b.Submitted) != 1 {
		t.Fatalf("expected the scaler to hold frames back, encoder got %d", len(b.Submitted))
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if len(b.Submitted) != 3 {
		t.Fatalf("expected flush to hand buffered frames to the encoder, got %d", len(b.Submitted))
	}

	scalerFlush := callIndexes(b.Calls, "Scaler.Flush")
	codecFlush := callIndexes(b.Calls, "Codec.Flush")
	if len(scalerFlush) != 1 || len(codecFlush) != 1 || scalerFlush[0] > codecFlush[0] {
		t.Fatalf("expected the scaler flushed before the codec, calls: %v", b.Calls)
	}

	if pkts := drainUntilEndOfStream(t, s); len(pkts) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(pkts))
	}
}

func TestDrainOutcomes(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Drain(); !errors.Is(err, ErrNeedMoreInput) {
		t.Fatalf("expected ErrNeedMoreInput before any submit, got %v", err)
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if _, err := s.Drain(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream after flushing an empty session, got %v", err)
	}
	// end of stream is stable
	if _, err := s.Drain(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream to repeat, got %v", err)
	}
}

func TestDrainPacketsLagSubmissions(t *testing.T) {
	b := stub.New()
	b.ReorderDelay = 2
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	var pkts []*Packet
	for i := 0; i < 3; i++ {
		if err := s.Submit(grayFrame(320, 240, byte(i))); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
		pkts = append(pkts, drainAvailable(t, s)...)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected the encoder to buffer frames, got %d packets early", len(pkts))
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	pkts = append(pkts, drainUntilEndOfStream(t, s)...)
	if len(pkts) != 3 {
		t.Fatalf("expected every submission drained eventually, got %d packets", len(pkts))
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if b.Counters.DoubleCloses != 0 {
		t.Fatalf("close must not reach the backend twice, got %d double closes", b.Counters.DoubleCloses)
	}
	if leaks := b.Leaks(); len(leaks) != 0 {
		t.Fatalf("leaks after close: %v", leaks)
	}

	if err := s.Submit(grayFrame(320, 240, 0)); !errors.Is(err, ErrSubmit) {
		t.Fatalf("expected ErrSubmit on closed session, got %v", err)
	}
	if err := s.Flush(); !errors.Is(err, ErrSubmit) {
		t.Fatalf("expected ErrSubmit flushing a closed session, got %v", err)
	}
	if _, err := s.Drain(); !errors.Is(err, ErrDrain) {
		t.Fatalf("expected ErrDrain on closed session, got %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{
		Width: 320, Height: 240, Framerate: 30,
		InputWidth: 640, InputHeight: 480,
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}

	// leave a frame in flight and tear down mid-stream
	if err := s.Submit(grayFrame(640, 480, 128)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if b.LiveFrames() != 0 {
		t.Fatalf("expected the in-flight frame released, %d still live", b.LiveFrames())
	}
	if leaks := b.Leaks(); len(leaks) != 0 {
		t.Fatalf("leaks after close: %v", leaks)
	}

	// children go before parents
	order := []string{"Scaler.Close", "Pool.Close", "Codec.Close", "Device.Close"}
	last := -1
	for _, name := range order {
		idx := callIndexes(b.Calls, name)
		if len(idx) != 1 {
			t.Fatalf("expected exactly one %s, got %d", name, len(idx))
		}
		if idx[0] < last {
			t.Fatalf("teardown out of order, calls: %v", b.Calls)
		}
		last = idx[0]
	}
}

func TestFailedInitLeaksNothing(t *testing.T) {
	cfg := Config{Width: 320, Height: 240, Framerate: 30}
	scaled := cfg
	scaled.InputWidth, scaled.InputHeight = 640, 480

	cases := []struct {
		name    string
		cfg     Config
		inject  func(*stub.Backend)
		wantErr error
	}{
		{"device", cfg, func(b *stub.Backend) { b.DeviceErr = errors.New("no render node") }, ErrDevice},
		{"codec", cfg, func(b *stub.Backend) { b.CodecErr = errors.New("no such encoder") }, ErrConfig},
		{"pool", cfg, func(b *stub.Backend) { b.PoolErr = errors.New("unsupported format") }, ErrPool},
		{"open", cfg, func(b *stub.Backend) { b.OpenErr = errors.New("driver rejected params") }, ErrConfig},
		{"scaler", scaled, func(b *stub.Backend) { b.ScalerErr = errors.New("no scale filter") }, ErrConfig},
	}
	for _, tc := range cases {
		b := stub.New()
		tc.inject(b)
		s, err := newSession(tc.cfg, b)
		if s != nil {
			t.Fatalf("%s: expected no session on failed init", tc.name)
		}
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
		if leaks := b.Leaks(); len(leaks) != 0 {
			t.Fatalf("%s: failed init leaked: %v", tc.name, leaks)
		}
	}
}

func TestInvalidConfigTouchesNoHardware(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30, PixelFormat: "vuy.42"}, b)
	if s != nil || !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got session=%v err=%v", s, err)
	}
	if len(b.Calls) != 0 {
		t.Fatalf("config validation must not touch the backend, calls: %v", b.Calls)
	}
}

func TestWarningsSurfaceUnconsumedOptions(t *testing.T) {
	b := stub.New()
	b.UnknownOpts = []string{"preset"}
	s, err := newSession(Config{
		Width: 320, Height: 240, Framerate: 30,
		NVENCPreset: "llhq", // vaapi encoder will not consume this
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	warns := s.Warnings()
	if len(warns) != 1 || warns[0].Key != "preset" {
		t.Fatalf("expected a warning for the preset option, got %v", warns)
	}

	// unconsumed options do not stop the session from encoding
	if err := s.Submit(grayFrame(320, 240, 128)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func TestPoolParams(t *testing.T) {
	b := stub.New()
	s, err := newSession(Config{Width: 320, Height: 240, Framerate: 30}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	s.Close()
	if len(b.Pools) != 1 {
		t.Fatalf("expected one pool, got %d", len(b.Pools))
	}
	p := b.Pools[0]
	if p.Width != 320 || p.Height != 240 || p.Storage != backend.StorageNV12 || p.Depth != 20 {
		t.Fatalf("unexpected pool params: %+v", p)
	}

	// 10-bit input switches the pool storage
	b = stub.New()
	s, err = newSession(Config{
		Width: 1280, Height: 720, Framerate: 30,
		Encoder: "hevc_vaapi", PixelFormat: "p010le",
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	s.Close()
	if b.Pools[0].Storage != backend.StorageP010 {
		t.Fatalf("expected p010le storage for 10-bit input, got %s", b.Pools[0].Storage)
	}

	// with scaling, the pool is bound to the upload dimensions
	b = stub.New()
	s, err = newSession(Config{
		Width: 320, Height: 240, Framerate: 30,
		InputWidth: 640, InputHeight: 480,
	}, b)
	if err != nil {
		t.Fatalf("session init failed: %v", err)
	}
	s.Close()
	if b.Pools[0].Width != 640 || b.Pools[0].Height != 480 {
		t.Fatalf("expected pool at upload dimensions, got %dx%d", b.Pools[0].Width, b.Pools[0].Height)
	}
}
