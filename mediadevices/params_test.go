package mediadevices

import "testing"

func TestNewParamsDefaults(t *testing.T) {
	p, err := NewParams()
	if err != nil {
		t.Fatalf("NewParams failed: %v", err)
	}
	if p.KeyFrameInterval != 60 {
		t.Fatalf("expected keyframe interval 60, got %d", p.KeyFrameInterval)
	}
	if p.Encoder != "" || p.Device != "" {
		t.Fatalf("expected empty encoder and device defaults, got %q/%q", p.Encoder, p.Device)
	}
}

func TestRTPCodecClockRate(t *testing.T) {
	p, err := NewParams()
	if err != nil {
		t.Fatalf("NewParams failed: %v", err)
	}
	if rate := p.RTPCodec().ClockRate; rate != 90000 {
		t.Fatalf("expected 90000 Hz RTP clock, got %d", rate)
	}
}

func TestRateAndKeyframeAreFixed(t *testing.T) {
	e := &encoder{}
	if err := e.SetBitRate(1_000_000); err == nil {
		t.Fatalf("expected SetBitRate to be rejected")
	}
	if err := e.ForceKeyFrame(); err == nil {
		t.Fatalf("expected ForceKeyFrame to be rejected")
	}
}
