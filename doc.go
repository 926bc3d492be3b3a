// Package hwenc encodes raw host-memory video frames into compressed
// bitstream packets on a hardware encoder (VAAPI, NVENC, QuickSync or
// VideoToolbox through the FFmpeg hardware surface), keeping the CPU out of
// the pixel path: frames are uploaded once to device memory and stay there
// through optional rescaling and encoding.
//
// The unit of work is a Session built from a Config. The caller drives a
// strict submit/drain cycle; the encoder may buffer several frames before
// the first packet appears, so every submit is followed by draining to
// exhaustion:
//
//	sess, err := hwenc.NewSession(hwenc.Config{
//		Width: 1280, Height: 720, Framerate: 30,
//		RateControl: hwenc.ConstantQuality(25),
//	})
//	if err != nil {
//		// no resources are left behind on a failed init
//	}
//	defer sess.Close()
//
//	for haveFrames {
//		if err := sess.Submit(frame); err != nil {
//			break
//		}
//		for {
//			pkt, err := sess.Drain()
//			if errors.Is(err, hwenc.ErrNeedMoreInput) {
//				break // submit the next frame
//			}
//			if err != nil {
//				return err
//			}
//			sink(pkt.Data)
//		}
//	}
//
//	sess.Flush()
//	for {
//		pkt, err := sess.Drain()
//		if errors.Is(err, hwenc.ErrEndOfStream) {
//			break // nothing will ever follow
//		}
//		if err != nil {
//			return err
//		}
//		sink(pkt.Data)
//	}
//
// Sessions move strictly forward through ready, flushing and closed states:
// frames may only be submitted while ready, a flush is accepted once, and
// Close is idempotent from anywhere. Per-cycle errors (upload, submit,
// drain) leave the session intact so the caller decides whether to abort;
// initialization errors tear everything down before they are returned.
package hwenc
