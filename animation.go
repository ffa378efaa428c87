package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/png"

	"github.com/h2non/bimg"
	"golang.org/x/image/draw"
)

const (
	// Browsers play GIF delays of 0 or 1 as 10, in 1/100 s.
	clampedFrameDelay  = 10
	maxAnimationFrames = 1000
	// Canvas pixels summed over all frames; each frame is encoded at full canvas size.
	maxAnimationPixels = 100_000_000

	vp8xFlagAlpha     = 0x10
	vp8xFlagAnimation = 0x02
	anmfNoBlend       = 0x02
)

var errSingleFrame = errors.New("gif has a single frame")

// framePNG is tuned for speed: frames are handed straight to libvips.
var framePNG = png.Encoder{CompressionLevel: png.NoCompression}

// EncodeAnimated re-encodes a multi-frame GIF as an animated WebP. Each
// composited frame goes through the same libvips WebP encoder as stills
// and is then muxed into an ANIM/ANMF container.
// It returns errSingleFrame for still GIFs so callers can take the still path.
func EncodeAnimated(buf []byte) (*Transcoded, error) {
	if err := checkAnimationBudget(buf); err != nil {
		return nil, err
	}

	g, err := gif.DecodeAll(bytes.NewReader(buf))
	if err != nil {
		return nil, NewError(KindInvalidImage, "Invalid GIF: "+err.Error())
	}
	if len(g.Image) < 2 {
		return nil, errSingleFrame
	}

	var frames []animFrame
	bounds := compositeFrames(g, func(i int, canvas *image.RGBA) error {
		frame, err := encodeFrame(canvas)
		if err != nil {
			return err
		}
		frame.duration = frameDelay(g, i)
		frames = append(frames, frame)
		return nil
	})
	if err := bounds.err; err != nil {
		return nil, err
	}

	body := muxAnimation(frames, bounds.rect, webpLoopCount(g.LoopCount))
	return &Transcoded{
		Body: body,
		Metadata: ImageMetadata{
			Width:  bounds.rect.Dx(),
			Height: bounds.rect.Dy(),
			Frames: len(frames),
		},
	}, nil
}

// checkAnimationBudget bounds the work DecodeAll and the frame encoder would
// do, using only the block structure of the file.
func checkAnimationBudget(buf []byte) error {
	cfg, err := gif.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return NewError(KindInvalidImage, "Invalid GIF: "+err.Error())
	}

	frames, framePixels := scanGIFFrames(buf)
	if frames > maxAnimationFrames {
		return NewError(KindInvalidImage, fmt.Sprintf("Animation has more than %d frames", maxAnimationFrames))
	}
	total := max(int64(cfg.Width)*int64(cfg.Height)*int64(frames), framePixels)
	if total > maxAnimationPixels {
		return NewError(KindInvalidImage, fmt.Sprintf("Animation exceeds %d megapixels across all frames", maxAnimationPixels/1_000_000))
	}
	return nil
}

// scanGIFFrames walks GIF blocks without LZW decoding and returns the frame
// count and the summed frame areas. It stops quietly at the trailer or at
// anything malformed, leaving error reporting to the real decoder.
func scanGIFFrames(buf []byte) (frames int, pixels int64) {
	const (
		headerLen     = 13 // signature, version and logical screen descriptor
		descriptorLen = 10
	)
	if len(buf) < headerLen {
		return 0, 0
	}
	off := headerLen
	if flags := buf[10]; flags&0x80 != 0 {
		off += 3 << ((flags & 0x07) + 1)
	}

	skipSubBlocks := func() bool {
		for off < len(buf) {
			n := int(buf[off])
			off++
			if n == 0 {
				return true
			}
			off += n
		}
		return false
	}

	for off < len(buf) {
		switch buf[off] {
		case 0x21: // extension: introducer, label, sub-blocks
			off += 2
			if !skipSubBlocks() {
				return frames, pixels
			}
		case 0x2C: // image descriptor
			if off+descriptorLen > len(buf) {
				return frames, pixels
			}
			w := int64(binary.LittleEndian.Uint16(buf[off+5:]))
			h := int64(binary.LittleEndian.Uint16(buf[off+7:]))
			flags := buf[off+9]
			off += descriptorLen
			if flags&0x80 != 0 {
				off += 3 << ((flags & 0x07) + 1)
			}
			off++ // LZW minimum code size
			if !skipSubBlocks() {
				return frames, pixels
			}
			frames++
			pixels += w * h
		default: // trailer or garbage
			return frames, pixels
		}
	}
	return frames, pixels
}

type compositeResult struct {
	rect image.Rectangle
	err  error
}

// compositeFrames flattens GIF frame deltas into full canvases, honouring
// each frame's disposal method, and hands every canvas to fn in order.
// The canvas is reused, so fn must not keep it.
func compositeFrames(g *gif.GIF, fn func(i int, canvas *image.RGBA) error) compositeResult {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		for _, frame := range g.Image {
			bounds = bounds.Union(frame.Bounds())
		}
	}

	canvas := image.NewRGBA(bounds)
	for i, frame := range g.Image {
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}

		var previous *image.RGBA
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		if err := fn(i, canvas); err != nil {
			return compositeResult{rect: bounds, err: err}
		}

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return compositeResult{rect: bounds}
}

// frameDelay converts a GIF delay (1/100 s) to milliseconds.
func frameDelay(g *gif.GIF, i int) int {
	delay := clampedFrameDelay
	if i < len(g.Delay) && g.Delay[i] > 1 {
		delay = g.Delay[i]
	}
	return delay * 10
}

// webpLoopCount maps GIF loop semantics (0 forever, -1 once, n = n+1 plays)
// onto WebP's (0 forever, n plays).
func webpLoopCount(gifLoop int) uint16 {
	switch {
	case gifLoop == 0:
		return 0
	case gifLoop < 0:
		return 1
	case gifLoop >= 0xFFFF:
		return 0xFFFF
	default:
		return uint16(gifLoop + 1)
	}
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// animFrame is one encoded frame: its bitstream chunks (ALPH, VP8, VP8L)
// ready to be wrapped in an ANMF chunk.
type animFrame struct {
	data     []byte
	alpha    bool
	duration int
}

func encodeFrame(canvas *image.RGBA) (animFrame, error) {
	var raw bytes.Buffer
	if err := framePNG.Encode(&raw, canvas); err != nil {
		return animFrame{}, fmt.Errorf("%w: encode frame: %v", ErrInternal, err)
	}

	still, err := Process(raw.Bytes(), bimg.Options{
		Type:          bimg.WEBP,
		Quality:       webpQuality,
		StripMetadata: true,
	})
	if err != nil {
		return animFrame{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	chunks, err := readWebPChunks(still)
	if err != nil {
		return animFrame{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	var frame animFrame
	for _, c := range chunks {
		switch c.fourCC {
		case "ALPH", "VP8L":
			frame.alpha = true
			frame.data = appendChunk(frame.data, c.fourCC, c.payload)
		case "VP8 ":
			frame.data = appendChunk(frame.data, c.fourCC, c.payload)
		}
	}
	if len(frame.data) == 0 {
		return animFrame{}, fmt.Errorf("%w: encoded frame has no bitstream", ErrInternal)
	}
	return frame, nil
}

type webpChunk struct {
	fourCC  string
	payload []byte
}

func readWebPChunks(buf []byte) ([]webpChunk, error) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WEBP" {
		return nil, errors.New("not a webp container")
	}

	var chunks []webpChunk
	for off := 12; off < len(buf); {
		if off+8 > len(buf) {
			return nil, errors.New("truncated webp chunk header")
		}
		size := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		end := off + 8 + size
		if size < 0 || end > len(buf) {
			return nil, errors.New("truncated webp chunk")
		}
		chunks = append(chunks, webpChunk{fourCC: string(buf[off : off+4]), payload: buf[off+8 : end]})
		off = end + size%2
	}
	return chunks, nil
}

func appendChunk(dst []byte, fourCC string, payload []byte) []byte {
	dst = append(dst, fourCC...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	if len(payload)%2 == 1 {
		dst = append(dst, 0)
	}
	return dst
}

func appendUint24(dst []byte, v int) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16))
}

// muxAnimation writes an extended-format WebP with one full-canvas ANMF
// chunk per frame. Frames replace the canvas rather than blend over it.
func muxAnimation(frames []animFrame, bounds image.Rectangle, loops uint16) []byte {
	width, height := bounds.Dx(), bounds.Dy()

	flags := byte(vp8xFlagAnimation)
	for _, f := range frames {
		if f.alpha {
			flags |= vp8xFlagAlpha
			break
		}
	}

	vp8x := []byte{flags, 0, 0, 0}
	vp8x = appendUint24(vp8x, width-1)
	vp8x = appendUint24(vp8x, height-1)

	anim := []byte{0, 0, 0, 0} // transparent background
	anim = binary.LittleEndian.AppendUint16(anim, loops)

	var body []byte
	body = append(body, "WEBP"...)
	body = appendChunk(body, "VP8X", vp8x)
	body = appendChunk(body, "ANIM", anim)
	for _, f := range frames {
		anmf := appendUint24(nil, 0) // x / 2
		anmf = appendUint24(anmf, 0) // y / 2
		anmf = appendUint24(anmf, width-1)
		anmf = appendUint24(anmf, height-1)
		anmf = appendUint24(anmf, f.duration)
		anmf = append(anmf, anmfNoBlend)
		anmf = append(anmf, f.data...)
		body = appendChunk(body, "ANMF", anmf)
	}

	out := make([]byte, 0, len(body)+8)
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}
