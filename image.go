package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"runtime"

	"github.com/h2non/bimg"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"
)

// webpQuality is applied to every still and frame. bimg leaves webpsave
// effort at the libvips default of 4.
const webpQuality = 80

// ImageMetadata describes a source image and the dimensions it was stored at.
type ImageMetadata struct {
	Format   string
	Width    int
	Height   int
	Animated bool
	Frames   int
}

// Transcoded is an encoded WebP plus what was learned about its source.
type Transcoded struct {
	Body     []byte
	Metadata ImageMetadata
}

// Transcoder turns validated uploads into metadata-free WebP images.
type Transcoder struct {
	MaxAllowedPixels float64

	sem *semaphore.Weighted
}

// NewTranscoder bounds concurrent encodes to workers, or NumCPU when workers <= 0.
func NewTranscoder(workers int, maxAllowedPixels float64) *Transcoder {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Transcoder{
		MaxAllowedPixels: maxAllowedPixels,
		sem:              semaphore.NewWeighted(int64(workers)),
	}
}

// Transcode decodes buf, applies EXIF orientation, drops all metadata and
// encodes the result as WebP. GIF sources keep every frame.
func (t *Transcoder) Transcode(ctx context.Context, buf []byte) (*Transcoded, error) {
	format := DetectFormat(buf)
	if format == "" {
		return nil, NewError(KindInvalidImage, "File is not a valid JPEG, PNG, WebP or GIF image")
	}
	if bimg.DetermineImageType(buf) != ImageType(format) {
		return nil, NewError(KindInvalidImage, "Image type "+format+" cannot be loaded")
	}

	size, err := bimg.Size(buf)
	if err != nil {
		return nil, NewError(KindInvalidImage, "Invalid image: "+err.Error())
	}
	if t.MaxAllowedPixels > 0 &&
		float64(size.Width)*float64(size.Height)/1000000 > t.MaxAllowedPixels {
		return nil, ErrResolutionTooBig
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer t.sem.Release(1)

	animated := format == "gif"
	var out *Transcoded
	if animated {
		out, err = EncodeAnimated(buf)
		if errors.Is(err, errSingleFrame) {
			out, err = encodeStill(buf, format)
		}
	} else {
		out, err = encodeStill(buf, format)
	}
	if err != nil {
		return nil, err
	}

	out.Metadata.Format = format
	out.Metadata.Animated = animated
	return out, nil
}

func encodeStill(buf []byte, format string) (*Transcoded, error) {
	if err := decodePixels(buf, format); err != nil {
		return nil, err
	}

	opts := bimg.Options{
		Type:          bimg.WEBP,
		Quality:       webpQuality,
		StripMetadata: true,
	}

	body, err := Process(buf, opts)
	if err != nil {
		return nil, err
	}

	size, err := bimg.Size(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read encoded size: %v", ErrInternal, err)
	}

	return &Transcoded{
		Body: body,
		Metadata: ImageMetadata{
			Width:  size.Width,
			Height: size.Height,
			Frames: 1,
		},
	}, nil
}

// decodePixels fully decodes buf. libvips reads lazily, so without this
// corrupt pixel data would only surface as an encoder failure.
// Animated WebP is left to libvips, which keeps its first frame.
func decodePixels(buf []byte, format string) error {
	if format == "webp" && isAnimatedWebP(buf) {
		return nil
	}
	if _, _, err := image.Decode(bytes.NewReader(buf)); err != nil {
		return NewError(KindInvalidImage, "Invalid image: "+err.Error())
	}
	return nil
}

func isAnimatedWebP(buf []byte) bool {
	return len(buf) > 20 && string(buf[12:16]) == "VP8X" && buf[20]&vp8xFlagAnimation != 0
}

// Process runs a bimg pipeline over an already validated image, turning
// libvips panics into errors. Unreadable headers are InvalidImage, every
// later failure is internal.
func Process(buf []byte, opts bimg.Options) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch value := r.(type) {
			case error:
				err = fmt.Errorf("%w: %v", ErrInternal, value)
			case string:
				err = fmt.Errorf("%w: %s", ErrInternal, value)
			default:
				err = fmt.Errorf("%w: libvips internal error", ErrInternal)
			}
			out = nil
		}
	}()

	if _, err := bimg.Metadata(buf); err != nil {
		return nil, NewError(KindInvalidImage, "Invalid image: "+err.Error())
	}

	out, err = bimg.NewImage(buf).Process(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: encode webp: %v", ErrInternal, err)
	}
	if bimg.DetermineImageType(out) != bimg.WEBP {
		return nil, fmt.Errorf("%w: encoder produced %s", ErrInternal, bimg.DetermineImageTypeName(out))
	}
	return out, nil
}
