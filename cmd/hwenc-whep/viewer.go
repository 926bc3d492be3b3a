package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/kataras/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"

// viewer is one WHEP playback session: a peer connection carrying a single
// outgoing H.264 track.
type viewer struct {
	id    string
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newViewer(id string) (*viewer, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264Fmtp,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	// LAN only, no STUN/TURN
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264Fmtp,
		},
		"video", "hwenc",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	v := &viewer{
		id:    id,
		pc:    pc,
		track: track,
		stop:  make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		golog.Infof("[%s] peer connection state: %s", id, state)
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateClosed {
			v.close()
		}
	})

	return v, nil
}

func (v *viewer) writeSample(data []byte, dur time.Duration) error {
	return v.track.WriteSample(media.Sample{
		Data:     data,
		Duration: dur,
	})
}

func (v *viewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.stop)
	v.pc.Close()
	golog.Infof("[%s] viewer closed", v.id)
}
