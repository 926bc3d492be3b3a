//go:build linux

// Package ffmpeg is the production backend: it drives hardware encoders
// (VAAPI, NVENC, QuickSync) through libavcodec's hwdevice/hwframes surface
// and rescales on the device through libavfilter.
package ffmpeg

/*
#cgo pkg-config: libavcodec libavutil libavfilter
#include <libavcodec/avcodec.h>
#include <libavutil/avutil.h>
#include <libavutil/hwcontext.h>
#include <libavutil/opt.h>
#include <libavutil/pixdesc.h>
#include <libavfilter/avfilter.h>
#include <libavfilter/buffersink.h>
#include <libavfilter/buffersrc.h>
#include <stdio.h>
#include <stdlib.h>
#include <string.h>

static int ff_is_again(int err) { return err == AVERROR(EAGAIN); }
static int ff_is_eof(int err)   { return err == AVERROR_EOF; }

static int ff_device_open(int type, const char *selector, AVBufferRef **out)
{
	// empty selector means the platform default device
	if (selector && selector[0] == '\0')
		selector = NULL;
	return av_hwdevice_ctx_create(out, (enum AVHWDeviceType)type, selector, NULL, 0);
}

static AVCodecContext* ff_codec_create(const char *name, int hw_pix_fmt,
	int width, int height, int framerate, int profile, int max_b_frames,
	int64_t bit_rate, int gop_size, int compression_level)
{
	const AVCodec *codec = avcodec_find_encoder_by_name(name);
	if (!codec)
		return NULL;

	AVCodecContext *ctx = avcodec_alloc_context3(codec);
	if (!ctx)
		return NULL;

	ctx->width = width;
	ctx->height = height;
	ctx->time_base = (AVRational){1, framerate};
	ctx->framerate = (AVRational){framerate, 1};
	ctx->sample_aspect_ratio = (AVRational){1, 1};
	ctx->pix_fmt = (enum AVPixelFormat)hw_pix_fmt;
	ctx->max_b_frames = max_b_frames;
	ctx->bit_rate = bit_rate;

	if (profile)
		ctx->profile = profile;

	// 0 keeps the codec default, -1 means intra-only
	if (gop_size)
		ctx->gop_size = (gop_size != -1) ? gop_size : 0;

	if (compression_level)
		ctx->compression_level = compression_level;

	return ctx;
}

static int ff_pool_alloc(AVCodecContext *ctx, AVBufferRef *dev,
	int width, int height, int hw_pix_fmt, int sw_pix_fmt, int depth,
	AVBufferRef **out)
{
	AVBufferRef *ref = av_hwframe_ctx_alloc(dev);
	if (!ref)
		return AVERROR(ENOMEM);

	AVHWFramesContext *fctx = (AVHWFramesContext*)ref->data;
	fctx->format = (enum AVPixelFormat)hw_pix_fmt;
	fctx->sw_format = (enum AVPixelFormat)sw_pix_fmt;
	fctx->width = width;
	fctx->height = height;
	fctx->initial_pool_size = depth;

	int err = av_hwframe_ctx_init(ref);
	if (err < 0) {
		av_buffer_unref(&ref);
		return err;
	}

	ctx->hw_frames_ctx = av_buffer_ref(ref);
	if (!ctx->hw_frames_ctx) {
		av_buffer_unref(&ref);
		return AVERROR(ENOMEM);
	}

	*out = ref;
	return 0;
}

static AVFrame* ff_staging_alloc(int width, int height, int sw_pix_fmt)
{
	AVFrame *f = av_frame_alloc();
	if (!f)
		return NULL;
	f->width = width;
	f->height = height;
	f->format = (enum AVPixelFormat)sw_pix_fmt;
	return f;
}

// ff_frame_acquire pulls a buffer from the pool. Returns 0 on success,
// 1 when the transferred buffer lacks a device-frame context.
static int ff_frame_acquire(AVBufferRef *pool, AVFrame **out)
{
	AVFrame *f = av_frame_alloc();
	if (!f)
		return AVERROR(ENOMEM);

	int err = av_hwframe_get_buffer(pool, f, 0);
	if (err < 0) {
		av_frame_free(&f);
		return err;
	}
	if (!f->hw_frames_ctx) {
		av_frame_free(&f);
		return 1;
	}

	*out = f;
	return 0;
}

// ff_frame_upload records plane pointers and strides into the staging frame
// (no pixel copy) and transfers them into the hardware buffer in one step.
// Planes are separate arguments so each crosses the cgo boundary as a plain
// data pointer; NULL marks an absent plane.
static int ff_frame_upload(AVFrame *hw, AVFrame *staging,
	uint8_t *p0, uint8_t *p1, uint8_t *p2,
	int s0, int s1, int s2, int64_t pts)
{
	staging->data[0] = p0;
	staging->data[1] = p1;
	staging->data[2] = p2;
	staging->linesize[0] = s0;
	staging->linesize[1] = s1;
	staging->linesize[2] = s2;

	int err = av_hwframe_transfer_data(hw, staging, 0);

	// the pointers belong to the caller, do not keep them past the call
	for (int i = 0; i < AV_NUM_DATA_POINTERS; i++) {
		staging->data[i] = NULL;
		staging->linesize[i] = 0;
	}

	if (err < 0)
		return err;

	hw->pts = pts;
	return 0;
}

static int ff_scaler_create(AVBufferRef *dev, AVBufferRef *frames,
	int src_width, int src_height, int framerate, int hw_pix_fmt,
	const char *desc,
	AVFilterGraph **out_graph, AVFilterContext **out_src, AVFilterContext **out_sink)
{
	const AVFilter *buffersrc = avfilter_get_by_name("buffer");
	const AVFilter *buffersink = avfilter_get_by_name("buffersink");
	if (!buffersrc || !buffersink)
		return AVERROR_FILTER_NOT_FOUND;

	AVFilterInOut *ins = avfilter_inout_alloc();
	AVFilterInOut *outs = avfilter_inout_alloc();
	AVFilterGraph *graph = avfilter_graph_alloc();
	AVFilterContext *src = NULL, *sink = NULL;
	char args[128];
	int err = AVERROR(ENOMEM);

	if (!ins || !outs || !graph)
		goto fail;

	snprintf(args, sizeof(args), "video_size=%dx%d:pix_fmt=%d:time_base=1/%d:pixel_aspect=1/1",
		src_width, src_height, hw_pix_fmt, framerate);

	if ((err = avfilter_graph_create_filter(&src, buffersrc, "in", args, NULL, graph)) < 0)
		goto fail;

	// the source produces frames out of the codec's device frame pool
	AVBufferSrcParameters *par = av_buffersrc_parameters_alloc();
	if (!par) {
		err = AVERROR(ENOMEM);
		goto fail;
	}
	par->hw_frames_ctx = frames;
	err = av_buffersrc_parameters_set(src, par);
	av_free(par);
	if (err < 0)
		goto fail;

	if ((err = avfilter_graph_create_filter(&sink, buffersink, "out", NULL, NULL, graph)) < 0)
		goto fail;

	outs->name = av_strdup("in");
	outs->filter_ctx = src;
	outs->pad_idx = 0;
	outs->next = NULL;

	ins->name = av_strdup("out");
	ins->filter_ctx = sink;
	ins->pad_idx = 0;
	ins->next = NULL;

	if ((err = avfilter_graph_parse_ptr(graph, desc, &ins, &outs, NULL)) < 0)
		goto fail;

	for (unsigned i = 0; i < graph->nb_filters; i++) {
		if (!(graph->filters[i]->hw_device_ctx = av_buffer_ref(dev))) {
			err = AVERROR(ENOMEM);
			goto fail;
		}
	}

	if ((err = avfilter_graph_config(graph, NULL)) < 0)
		goto fail;

	avfilter_inout_free(&ins);
	avfilter_inout_free(&outs);

	*out_graph = graph;
	*out_src = src;
	*out_sink = sink;
	return 0;

fail:
	avfilter_inout_free(&ins);
	avfilter_inout_free(&outs);
	avfilter_graph_free(&graph);
	return err;
}

static int ff_scaler_push(AVFilterContext *src, AVFrame *f)
{
	return av_buffersrc_add_frame_flags(src, f, AV_BUFFERSRC_FLAG_KEEP_REF | AV_BUFFERSRC_FLAG_PUSH);
}

static int ff_scaler_pull(AVFilterContext *sink, AVFrame **out)
{
	AVFrame *f = av_frame_alloc();
	if (!f)
		return AVERROR(ENOMEM);

	int err = av_buffersink_get_frame(sink, f);
	if (err < 0) {
		av_frame_free(&f);
		return err;
	}

	*out = f;
	return 0;
}

static int ff_receive(AVCodecContext *ctx, AVPacket *pkt)
{
	return avcodec_receive_packet(ctx, pkt);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"hwenc/internal/backend"
)

// Backend drives hardware encoders through libavcodec.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "ffmpeg" }

var initOnce sync.Once

// ensureInit performs the one-time process-wide library setup. Modern
// libavcodec needs no registration call; this only tames the default log
// spam coming out of the drivers.
func ensureInit() {
	initOnce.Do(func() {
		C.av_log_set_level(C.AV_LOG_ERROR)
	})
}

func (*Backend) OpenDevice(typ backend.DeviceType, selector string) (backend.Device, error) {
	ensureInit()

	ctype, cfmt, err := deviceConstants(typ)
	if err != nil {
		return nil, err
	}

	csel := C.CString(selector)
	defer C.free(unsafe.Pointer(csel))

	var ref *C.AVBufferRef
	if ret := C.ff_device_open(ctype, csel, &ref); ret < 0 {
		return nil, fmt.Errorf("av_hwdevice_ctx_create: %s", errString(ret))
	}
	return &device{ref: ref, typ: typ, hwPixFmt: cfmt}, nil
}

// deviceConstants maps an accelerator family onto libavutil's device type
// and hardware pixel format pair.
func deviceConstants(typ backend.DeviceType) (C.int, C.int, error) {
	switch typ {
	case backend.DeviceVAAPI:
		return C.AV_HWDEVICE_TYPE_VAAPI, C.AV_PIX_FMT_VAAPI, nil
	case backend.DeviceCUDA:
		return C.AV_HWDEVICE_TYPE_CUDA, C.AV_PIX_FMT_CUDA, nil
	case backend.DeviceQSV:
		return C.AV_HWDEVICE_TYPE_QSV, C.AV_PIX_FMT_QSV, nil
	case backend.DeviceVideoToolbox:
		return C.AV_HWDEVICE_TYPE_VIDEOTOOLBOX, C.AV_PIX_FMT_VIDEOTOOLBOX, nil
	default:
		return 0, 0, fmt.Errorf("unknown device type %q", typ)
	}
}

func errString(code C.int) string {
	var buf [128]C.char
	C.av_strerror(code, &buf[0], C.size_t(len(buf)))
	return C.GoString(&buf[0])
}

func pixFmtByName(name string) (C.int, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	f := C.av_get_pix_fmt(cname)
	if f == C.AV_PIX_FMT_NONE {
		return 0, fmt.Errorf("unknown pixel format %q", name)
	}
	return C.int(f), nil
}

// device

type device struct {
	ref      *C.AVBufferRef
	typ      backend.DeviceType
	hwPixFmt C.int
}

var _ backend.Device = (*device)(nil)

func (d *device) NewCodec(name string, params backend.CodecParams) (backend.Codec, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	ctx := C.ff_codec_create(cname, d.hwPixFmt,
		C.int(params.Width), C.int(params.Height), C.int(params.Framerate),
		C.int(params.Profile), C.int(params.MaxBFrames), C.int64_t(params.BitRate),
		C.int(params.GOPSize), C.int(params.CompressionLevel))
	if ctx == nil {
		return nil, fmt.Errorf("no encoder named %q", name)
	}
	return &codec{ctx: ctx, dev: d, params: params}, nil
}

func (d *device) Close() {
	if d.ref != nil {
		C.av_buffer_unref(&d.ref)
	}
}

// codec

type codec struct {
	ctx    *C.AVCodecContext
	dev    *device
	params backend.CodecParams
	pkt    *C.AVPacket
}

var _ backend.Codec = (*codec)(nil)

func (c *codec) AllocFramePool(width, height int, storage backend.StorageFormat, depth int) (backend.FramePool, error) {
	swFmt, err := pixFmtByName(string(storage))
	if err != nil {
		return nil, err
	}
	uploadFmt, err := pixFmtByName(c.params.SoftwareFormat)
	if err != nil {
		return nil, err
	}

	var ref *C.AVBufferRef
	if ret := C.ff_pool_alloc(c.ctx, c.dev.ref, C.int(width), C.int(height),
		c.dev.hwPixFmt, swFmt, C.int(depth), &ref); ret < 0 {
		return nil, fmt.Errorf("hardware frame pool (%s %dx%d): %s", storage, width, height, errString(ret))
	}

	staging := C.ff_staging_alloc(C.int(width), C.int(height), uploadFmt)
	if staging == nil {
		C.av_buffer_unref(&ref)
		return nil, fmt.Errorf("staging frame alloc failed")
	}

	return &framePool{ref: ref, staging: staging, width: width, height: height}, nil
}

func (c *codec) Open(opts []backend.Option) ([]backend.OptionWarning, error) {
	var dict *C.AVDictionary
	for _, opt := range opts {
		ck := C.CString(opt.Key)
		cv := C.CString(opt.Value)
		ret := C.av_dict_set(&dict, ck, cv, 0)
		C.free(unsafe.Pointer(ck))
		C.free(unsafe.Pointer(cv))
		if ret < 0 {
			C.av_dict_free(&dict)
			return nil, fmt.Errorf("build option dictionary (%s): %s", opt.Key, errString(ret))
		}
	}

	ret := C.avcodec_open2(c.ctx, nil, &dict)
	if ret < 0 {
		C.av_dict_free(&dict)
		return nil, fmt.Errorf("avcodec_open2: %s", errString(ret))
	}

	// whatever is left in the dictionary was not consumed by the encoder
	var warns []backend.OptionWarning
	empty := C.CString("")
	var entry *C.AVDictionaryEntry
	for {
		entry = C.av_dict_get(dict, empty, entry, C.AV_DICT_IGNORE_SUFFIX)
		if entry == nil {
			break
		}
		warns = append(warns, backend.OptionWarning{
			Key:    C.GoString(entry.key),
			Reason: "option not found",
		})
	}
	C.free(unsafe.Pointer(empty))
	C.av_dict_free(&dict)

	c.pkt = C.av_packet_alloc()
	if c.pkt == nil {
		return nil, fmt.Errorf("packet alloc failed")
	}
	return warns, nil
}

func (c *codec) NewScaler(srcWidth, srcHeight, framerate int) (backend.Scaler, error) {
	desc, err := scaleDescription(c.dev.typ, int(c.ctx.width), int(c.ctx.height))
	if err != nil {
		return nil, err
	}
	cdesc := C.CString(desc)
	defer C.free(unsafe.Pointer(cdesc))

	var graph *C.AVFilterGraph
	var src, sink *C.AVFilterContext
	ret := C.ff_scaler_create(c.dev.ref, c.ctx.hw_frames_ctx,
		C.int(srcWidth), C.int(srcHeight), C.int(framerate), c.dev.hwPixFmt,
		cdesc, &graph, &src, &sink)
	if ret < 0 {
		return nil, fmt.Errorf("build filter graph %q: %s", desc, errString(ret))
	}
	return &scaler{graph: graph, src: src, sink: sink}, nil
}

// scaleDescription names the device-side rescale chain per accelerator
// family.
func scaleDescription(typ backend.DeviceType, width, height int) (string, error) {
	switch typ {
	case backend.DeviceVAAPI:
		return fmt.Sprintf("format=vaapi,scale_vaapi=w=%d:h=%d", width, height), nil
	case backend.DeviceCUDA:
		return fmt.Sprintf("scale_cuda=%d:%d", width, height), nil
	case backend.DeviceQSV:
		return fmt.Sprintf("scale_qsv=w=%d:h=%d", width, height), nil
	case backend.DeviceVideoToolbox:
		return fmt.Sprintf("scale_vt=w=%d:h=%d", width, height), nil
	default:
		return "", fmt.Errorf("no scaler for device type %q", typ)
	}
}

func (c *codec) Submit(f backend.Frame) error {
	hw, ok := f.(*hwFrame)
	if !ok {
		return fmt.Errorf("foreign frame type %T", f)
	}
	if ret := C.avcodec_send_frame(c.ctx, hw.f); ret < 0 {
		return fmt.Errorf("avcodec_send_frame: %s", errString(ret))
	}
	return nil
}

func (c *codec) Flush() error {
	if ret := C.avcodec_send_frame(c.ctx, nil); ret < 0 {
		return fmt.Errorf("avcodec_send_frame(flush): %s", errString(ret))
	}
	return nil
}

func (c *codec) Receive() (*backend.Packet, error) {
	ret := C.ff_receive(c.ctx, c.pkt)
	switch {
	case C.ff_is_again(ret) != 0:
		return nil, backend.ErrAgain
	case C.ff_is_eof(ret) != 0:
		return nil, backend.ErrEOF
	case ret < 0:
		return nil, fmt.Errorf("avcodec_receive_packet: %s", errString(ret))
	}

	pkt := &backend.Packet{
		Data:     C.GoBytes(unsafe.Pointer(c.pkt.data), c.pkt.size),
		KeyFrame: c.pkt.flags&C.AV_PKT_FLAG_KEY != 0,
		PTS:      int64(c.pkt.pts),
		DTS:      int64(c.pkt.dts),
	}
	C.av_packet_unref(c.pkt)
	return pkt, nil
}

func (c *codec) Close() {
	if c.pkt != nil {
		C.av_packet_free(&c.pkt)
	}
	if c.ctx != nil {
		C.avcodec_free_context(&c.ctx)
	}
}

// framePool

type framePool struct {
	ref     *C.AVBufferRef
	staging *C.AVFrame
	width   int
	height  int
	pts     int64
}

var _ backend.FramePool = (*framePool)(nil)

func (p *framePool) Acquire() (backend.Frame, error) {
	var f *C.AVFrame
	ret := C.ff_frame_acquire(p.ref, &f)
	switch {
	case ret == 1:
		return nil, fmt.Errorf("hardware frame has no device frame context")
	case ret < 0:
		return nil, fmt.Errorf("av_hwframe_get_buffer: %s", errString(ret))
	}
	return &hwFrame{f: f, pool: p, width: p.width, height: p.height}, nil
}

func (p *framePool) Close() {
	if p.staging != nil {
		C.av_frame_free(&p.staging)
	}
	if p.ref != nil {
		C.av_buffer_unref(&p.ref)
	}
}

// hwFrame

type hwFrame struct {
	f      *C.AVFrame
	pool   *framePool
	width  int
	height int
}

var _ backend.Frame = (*hwFrame)(nil)

// maxUploadPlanes is the plane count of the richest supported upload format
// (planar YUV). The transfer consults the staging format for the real count.
const maxUploadPlanes = 3

func (h *hwFrame) Upload(planes [][]byte, strides []int) error {
	if h.pool == nil {
		return fmt.Errorf("frame did not come from a pool")
	}
	if len(planes) == 0 || len(planes) > maxUploadPlanes {
		return fmt.Errorf("bad plane count %d", len(planes))
	}

	var ptrs [maxUploadPlanes]*C.uint8_t
	var lines [maxUploadPlanes]C.int
	for i := range planes {
		if len(planes[i]) == 0 {
			return fmt.Errorf("plane %d is empty", i)
		}
		ptrs[i] = (*C.uint8_t)(unsafe.Pointer(&planes[i][0]))
		lines[i] = C.int(strides[i])
	}

	pts := h.pool.pts
	ret := C.ff_frame_upload(h.f, h.pool.staging,
		ptrs[0], ptrs[1], ptrs[2],
		lines[0], lines[1], lines[2], C.int64_t(pts))
	if ret < 0 {
		return fmt.Errorf("av_hwframe_transfer_data: %s", errString(ret))
	}
	h.pool.pts++
	return nil
}

func (h *hwFrame) Width() int  { return h.width }
func (h *hwFrame) Height() int { return h.height }

func (h *hwFrame) Release() {
	if h.f != nil {
		C.av_frame_free(&h.f)
	}
}

// scaler

type scaler struct {
	graph *C.AVFilterGraph
	src   *C.AVFilterContext
	sink  *C.AVFilterContext
}

var _ backend.Scaler = (*scaler)(nil)

func (s *scaler) Push(f backend.Frame) error {
	hw, ok := f.(*hwFrame)
	if !ok {
		return fmt.Errorf("foreign frame type %T", f)
	}
	if ret := C.ff_scaler_push(s.src, hw.f); ret < 0 {
		return fmt.Errorf("av_buffersrc_add_frame: %s", errString(ret))
	}
	return nil
}

func (s *scaler) Flush() error {
	if ret := C.ff_scaler_push(s.src, nil); ret < 0 {
		return fmt.Errorf("av_buffersrc_add_frame(flush): %s", errString(ret))
	}
	return nil
}

func (s *scaler) Pull() (backend.Frame, error) {
	var f *C.AVFrame
	ret := C.ff_scaler_pull(s.sink, &f)
	switch {
	case C.ff_is_again(ret) != 0:
		return nil, backend.ErrAgain
	case C.ff_is_eof(ret) != 0:
		return nil, backend.ErrEOF
	case ret < 0:
		return nil, fmt.Errorf("av_buffersink_get_frame: %s", errString(ret))
	}
	return &hwFrame{f: f, width: int(f.width), height: int(f.height)}, nil
}

func (s *scaler) Close() {
	if s.graph != nil {
		C.avfilter_graph_free(&s.graph)
	}
}
