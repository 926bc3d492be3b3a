// hwenc-whep serves a WHEP endpoint that streams hardware encoded synthetic
// video to any WebRTC player, e.g. the eyevinn webrtc-player or GStreamer's
// whepsrc.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kataras/golog"
	"github.com/pion/webrtc/v4"

	tlsutil "hwenc/internal/tls"
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
	flagToken   = flag.String("token", "", "Bearer token for authentication (required)")
	flagWidth   = flag.Int("width", 1280, "Encoded width")
	flagHeight  = flag.Int("height", 720, "Encoded height")
	flagFPS     = flag.Int("fps", 30, "Frames per second")
	flagBitrate = flag.Int("bitrate", 4000, "Video bitrate in kbps")
	flagGOP     = flag.Int("gop", 0, "Keyframe interval in frames (0 = 2x FPS)")
	flagEncoder = flag.String("encoder", "", "Encoder name, e.g. h264_vaapi, h264_nvenc (empty: h264_vaapi)")
	flagDevice  = flag.String("device", "", "Accelerator device, e.g. /dev/dri/renderD128 (empty: platform default)")
	flagTLS     = flag.Bool("tls", false, "Enable TLS with an auto-generated self-signed certificate")
	flagLog     = flag.String("log", "info", "Log level: debug, info, warn, error")
)

type server struct {
	mu     sync.Mutex
	viewer *viewer
}

func main() {
	flag.Parse()
	golog.SetLevel(*flagLog)

	if *flagToken == "" {
		golog.Fatalf("-token is required")
	}
	if *flagFPS <= 0 {
		golog.Fatalf("-fps must be > 0")
	}

	s := &server{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /whep", s.handleOffer)
	mux.HandleFunc("PATCH /whep/{id}", s.handlePatch)
	mux.HandleFunc("DELETE /whep/{id}", s.handleDelete)
	mux.HandleFunc("OPTIONS /whep", s.handleOptions)
	mux.HandleFunc("OPTIONS /whep/{id}", s.handleOptions)

	golog.Infof("serving WHEP on %s (%dx%d @ %d fps, %d kbps)",
		*flagAddr, *flagWidth, *flagHeight, *flagFPS, *flagBitrate)

	if *flagTLS {
		tlsCfg, fingerprint, err := tlsutil.SelfSigned()
		if err != nil {
			golog.Fatalf("self-signed certificate: %v", err)
		}
		golog.Infof("certificate SHA-256 fingerprint: %s", fingerprint)
		srv := &http.Server{Addr: *flagAddr, Handler: mux, TLSConfig: tlsCfg}
		golog.Fatal(srv.ListenAndServeTLS("", ""))
		return
	}
	golog.Fatal(http.ListenAndServe(*flagAddr, mux))
}

func (s *server) checkAuth(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+*flagToken
}

func (s *server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", "Location")
	w.WriteHeader(204)
}

func (s *server) handleOffer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Location")

	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	// single viewer: tear down the existing one
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(body),
	}

	id := uuid.New().String()
	v, err := newViewer(id)
	if err != nil {
		golog.Errorf("viewer create error: %v", err)
		http.Error(w, "internal error", 500)
		return
	}

	if err := v.pc.SetRemoteDescription(offer); err != nil {
		v.close()
		golog.Errorf("set remote desc error: %v", err)
		http.Error(w, "bad SDP offer", 400)
		return
	}

	answer, err := v.pc.CreateAnswer(nil)
	if err != nil {
		v.close()
		golog.Errorf("create answer error: %v", err)
		http.Error(w, "internal error", 500)
		return
	}

	if err := v.pc.SetLocalDescription(answer); err != nil {
		v.close()
		golog.Errorf("set local desc error: %v", err)
		http.Error(w, "internal error", 500)
		return
	}

	// wait for ICE gathering to complete, the answer carries all candidates
	<-webrtc.GatheringCompletePromise(v.pc)

	s.mu.Lock()
	s.viewer = v
	s.mu.Unlock()

	go startPipeline(v)

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", fmt.Sprintf("/whep/%s", id))
	w.WriteHeader(201)
	w.Write([]byte(v.pc.LocalDescription().SDP))
}

func (s *server) handlePatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	v := s.viewer
	s.mu.Unlock()

	if v == nil || v.id != id {
		http.Error(w, "not found", 404)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	// trickle ICE: the body is an SDP fragment with candidate lines
	for _, line := range strings.Split(string(body), "\r\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=candidate:") {
			c := strings.TrimPrefix(line, "a=")
			if err := v.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
				golog.Warnf("add ice candidate error: %v", err)
			}
		}
	}

	w.WriteHeader(204)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.viewer == nil || s.viewer.id != id {
		http.Error(w, "not found", 404)
		return
	}

	s.teardownLocked()
	w.WriteHeader(200)
}

func (s *server) teardownLocked() {
	if s.viewer != nil {
		s.viewer.close()
		s.viewer = nil
	}
}
