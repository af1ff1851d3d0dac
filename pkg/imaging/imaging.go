// Package imaging sniffs source formats and answers the few pixel-level
// questions the pipeline needs: dimensions and whether a picture is
// effectively grayscale.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tigrisdata/fluxcoach/pkg/forge"
)

// Format is a supported image container.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWEBP Format = "webp"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatGIF  Format = "gif"
)

var mimeFormats = map[string]Format{
	"image/png":  FormatPNG,
	"image/jpeg": FormatJPEG,
	"image/webp": FormatWEBP,
	"image/bmp":  FormatBMP,
	"image/tiff": FormatTIFF,
	"image/gif":  FormatGIF,
}

// Share of colored pixels below which a picture counts as grayscale.
const grayscaleThreshold = 0.05

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// ParseFormat maps a user supplied name (PNG, jpg, ...) to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWEBP, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	case "gif":
		return FormatGIF, nil
	}
	return "", fmt.Errorf("imaging: unknown format %q", name)
}

// SupportedExtension reports whether a file name looks like a supported
// input.
func SupportedExtension(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	_, err := ParseFormat(name[i+1:])
	return err == nil
}

// DetectFormat sniffs data by magic bytes.
func DetectFormat(data []byte) (Format, error) {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if f, ok := mimeFormats[m.String()]; ok {
			return f, nil
		}
	}
	return "", &forge.UnsupportedFormatError{Detail: "content is " + mimetype.Detect(data).String()}
}

// Info describes a source image.
type Info struct {
	Format    Format
	Width     int
	Height    int
	Grayscale bool
}

// Inspect sniffs data and, for formats the standard decoders handle,
// measures it and runs the grayscale heuristic. Other supported formats
// are reported as color with unknown dimensions.
func Inspect(data []byte) (Info, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return Info{}, err
	}
	info := Info{Format: format}

	img, err := decode(format, data)
	if err != nil {
		return Info{}, &forge.UnsupportedFormatError{Detail: fmt.Sprintf("decode %s: %v", format, err)}
	}
	if img == nil {
		return info, nil
	}
	b := img.Bounds()
	info.Width, info.Height = b.Dx(), b.Dy()
	info.Grayscale = IsGrayscale(img)
	return info, nil
}

func decode(format Format, data []byte) (image.Image, error) {
	r := bytes.NewReader(data)
	switch format {
	case FormatPNG:
		return png.Decode(r)
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatGIF:
		return gif.Decode(r)
	}
	return nil, nil
}

// IsGrayscale reports whether fewer than 5% of the pixels carry color, a
// pixel being colored when two of its 8-bit channels differ by more than 1.
// An empty image is grayscale.
func IsGrayscale(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}

	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return true
	}
	limit := int(float64(total) * grayscaleThreshold)

	colored := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if channelSpread(r>>8, g>>8, bl>>8) > 1 {
				colored++
				if colored > limit {
					return false
				}
			}
		}
	}
	return float64(colored) < float64(total)*grayscaleThreshold
}

func channelSpread(r, g, b uint32) uint32 {
	hi, lo := r, r
	for _, v := range []uint32{g, b} {
		if v > hi {
			hi = v
		}
		if v < lo {
			lo = v
		}
	}
	return hi - lo
}

// Encode converts data to target when the standard encoders support it
// (PNG and JPEG). Anything else is returned unchanged with its sniffed
// format, so the caller can name the file after what it really holds.
func Encode(data []byte, target Format) ([]byte, Format, error) {
	current, err := DetectFormat(data)
	if err != nil {
		return nil, "", err
	}
	if current == target {
		return data, current, nil
	}
	if target != FormatPNG && target != FormatJPEG {
		return data, current, nil
	}

	img, err := decode(current, data)
	if err != nil {
		return nil, "", fmt.Errorf("imaging: decode %s: %w", current, err)
	}
	if img == nil {
		return data, current, nil
	}

	var buf bytes.Buffer
	switch target {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		return nil, "", fmt.Errorf("imaging: encode %s: %w", target, err)
	}
	return buf.Bytes(), target, nil
}
