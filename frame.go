package hwenc

// MaxPlanes is the largest number of planes a frame descriptor can carry,
// matching the layout of the richest planar formats.
const MaxPlanes = 8

// Frame describes one raw video frame in host memory. Data holds per-plane
// pixel slices and Linesize the matching strides in bytes (width including
// any padding). The frame is borrowed: the session reads it only for the
// duration of the Submit call and never retains the slices.
//
// The number of planes that must be populated follows the session's
// configured pixel format, e.g. nv12 uses Data[0] (Y) and Data[1]
// (interleaved UV), yuv420p uses Data[0..2], rgb0 uses Data[0].
type Frame struct {
	Data     [MaxPlanes][]byte
	Linesize [MaxPlanes]int
}

// Packet is one encoded bitstream unit. The session hands back an owned
// copy; the caller may keep it for as long as it likes.
type Packet struct {
	Data     []byte
	KeyFrame bool
	PTS      int64
	DTS      int64
}
