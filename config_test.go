package hwenc

import (
	"errors"
	"testing"

	"hwenc/internal/backend"
)

func TestNormalizeDefaults(t *testing.T) {
	r, err := Config{Width: 1280, Height: 720, Framerate: 30}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if r.encoder != "h264_vaapi" {
		t.Fatalf("expected default encoder h264_vaapi, got %s", r.encoder)
	}
	if r.pixelFormat != "nv12" {
		t.Fatalf("expected default pixel format nv12, got %s", r.pixelFormat)
	}
	if r.planes != 2 || r.depth != 8 {
		t.Fatalf("expected 2 planes at 8 bit for nv12, got %d planes at %d bit", r.planes, r.depth)
	}
	if r.storage != backend.StorageNV12 {
		t.Fatalf("expected nv12 storage, got %s", r.storage)
	}
	if r.deviceType != backend.DeviceVAAPI {
		t.Fatalf("expected vaapi device type, got %s", r.deviceType)
	}
	if r.uploadWidth != 1280 || r.uploadHeight != 720 {
		t.Fatalf("expected upload at output dimensions, got %dx%d", r.uploadWidth, r.uploadHeight)
	}
	if r.scale {
		t.Fatalf("expected no scaling without input dimensions")
	}
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	bad := []Config{
		{Width: 0, Height: 720, Framerate: 30},
		{Width: 1280, Height: 0, Framerate: 30},
		{Width: -1280, Height: 720, Framerate: 30},
		{Width: 1280, Height: 720, Framerate: 0},
		{Width: 1280, Height: 720, Framerate: -30},
		{Width: 1280, Height: 720, Framerate: 30, InputWidth: 1920},
		{Width: 1280, Height: 720, Framerate: 30, InputHeight: 1080},
		{Width: 1280, Height: 720, Framerate: 30, InputWidth: -1, InputHeight: -1},
		{Width: 1280, Height: 720, Framerate: 30, MaxBFrames: -1},
		{Width: 1280, Height: 720, Framerate: 30, GOPSize: -2},
		{Width: 1280, Height: 720, Framerate: 30, PixelFormat: "yuv420p12be"},
	}
	for i, cfg := range bad {
		if _, err := cfg.normalize(); !errors.Is(err, ErrConfig) {
			t.Fatalf("config %d: expected ErrConfig, got %v", i, err)
		}
	}
}

func TestNormalizeInfersDeviceType(t *testing.T) {
	cases := map[string]backend.DeviceType{
		"":                  backend.DeviceVAAPI,
		"h264_vaapi":        backend.DeviceVAAPI,
		"hevc_vaapi":        backend.DeviceVAAPI,
		"h264_nvenc":        backend.DeviceCUDA,
		"hevc_nvenc":        backend.DeviceCUDA,
		"h264_qsv":          backend.DeviceQSV,
		"hevc_videotoolbox": backend.DeviceVideoToolbox,
		"mjpeg_vaapi":       backend.DeviceVAAPI,
	}
	for encoder, want := range cases {
		r, err := Config{Width: 640, Height: 480, Framerate: 30, Encoder: encoder}.normalize()
		if err != nil {
			t.Fatalf("normalize %q failed: %v", encoder, err)
		}
		if r.deviceType != want {
			t.Fatalf("encoder %q: expected device type %s, got %s", encoder, want, r.deviceType)
		}
	}
}

func TestNormalizeStorageFollowsBitDepth(t *testing.T) {
	cases := map[string]backend.StorageFormat{
		"nv12":        backend.StorageNV12,
		"yuv420p":     backend.StorageNV12,
		"rgb0":        backend.StorageNV12,
		"p010le":      backend.StorageP010,
		"yuv420p10le": backend.StorageP010,
	}
	for format, want := range cases {
		r, err := Config{Width: 640, Height: 480, Framerate: 30, PixelFormat: format}.normalize()
		if err != nil {
			t.Fatalf("normalize %q failed: %v", format, err)
		}
		if r.storage != want {
			t.Fatalf("pixel format %q: expected storage %s, got %s", format, want, r.storage)
		}
	}
}

func TestNormalizeScaling(t *testing.T) {
	r, err := Config{Width: 1280, Height: 720, Framerate: 30, InputWidth: 1920, InputHeight: 1080}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !r.scale {
		t.Fatalf("expected scaling when input and output dimensions differ")
	}
	if r.uploadWidth != 1920 || r.uploadHeight != 1080 {
		t.Fatalf("expected upload at input dimensions, got %dx%d", r.uploadWidth, r.uploadHeight)
	}

	r, err = Config{Width: 1280, Height: 720, Framerate: 30, InputWidth: 1280, InputHeight: 720}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if r.scale {
		t.Fatalf("expected no scaling when input matches output")
	}

	// one axis differing is enough
	r, err = Config{Width: 1280, Height: 720, Framerate: 30, InputWidth: 1280, InputHeight: 1080}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !r.scale {
		t.Fatalf("expected scaling when one axis differs")
	}
}

func TestRateControlMapping(t *testing.T) {
	r, err := Config{Width: 640, Height: 480, Framerate: 30}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if r.codecParams().BitRate != 0 {
		t.Fatalf("default rate control should not set a bitrate")
	}
	if opts := r.codecOptions(); len(opts) != 0 {
		t.Fatalf("default rate control should not add options, got %v", opts)
	}

	r, err = Config{Width: 640, Height: 480, Framerate: 30, RateControl: ConstantQuality(30)}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if r.codecParams().BitRate != 0 {
		t.Fatalf("cqp should not set a bitrate")
	}
	opts := r.codecOptions()
	if len(opts) != 1 || opts[0].Key != "qp" || opts[0].Value != "30" {
		t.Fatalf("expected qp=30 option, got %v", opts)
	}

	r, err = Config{Width: 640, Height: 480, Framerate: 30, RateControl: VariableBitrate(2_000_000)}.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if r.codecParams().BitRate != 2_000_000 {
		t.Fatalf("expected bitrate 2000000, got %d", r.codecParams().BitRate)
	}
	if opts := r.codecOptions(); len(opts) != 0 {
		t.Fatalf("vbr should not add a qp option, got %v", opts)
	}
}

func TestVendorOptionPassthrough(t *testing.T) {
	cfg := Config{
		Width: 640, Height: 480, Framerate: 30,
		Encoder:          "h264_nvenc",
		LowPower:         true,
		NVENCPreset:      "llhq",
		NVENCDelay:       -1,
		NVENCZeroLatency: true,
	}
	r, err := cfg.normalize()
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	want := map[string]string{
		"low_power":   "1",
		"preset":      "llhq",
		"delay":       "0", // -1 means no reordering delay
		"zerolatency": "1",
	}
	opts := r.codecOptions()
	if len(opts) != len(want) {
		t.Fatalf("expected %d options, got %v", len(want), opts)
	}
	for _, opt := range opts {
		if want[opt.Key] != opt.Value {
			t.Fatalf("option %s: expected %q, got %q", opt.Key, want[opt.Key], opt.Value)
		}
	}
}

func TestRateControlRejectsNegatives(t *testing.T) {
	if _, err := (Config{Width: 640, Height: 480, Framerate: 30, RateControl: ConstantQuality(-1)}).normalize(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative qp, got %v", err)
	}
	if _, err := (Config{Width: 640, Height: 480, Framerate: 30, RateControl: VariableBitrate(-1)}).normalize(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative bitrate, got %v", err)
	}
}
