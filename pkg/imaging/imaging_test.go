package imaging_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/fluxcoach/pkg/forge"
	"github.com/tigrisdata/fluxcoach/pkg/imaging"
)

// picture returns a 20x10 gray RGBA image with the first n pixels red.
func picture(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	i := 0
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			c := color.RGBA{R: 120, G: 120, B: 121, A: 255}
			if i < n {
				c = color.RGBA{R: 200, G: 30, B: 30, A: 255}
			}
			img.Set(x, y, c)
			i++
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsGrayscaleThreshold(t *testing.T) {
	assert.True(t, imaging.IsGrayscale(picture(0)))
	assert.True(t, imaging.IsGrayscale(picture(9)), "4.5%% colored is grayscale")
	assert.False(t, imaging.IsGrayscale(picture(10)), "5%% colored is color")
	assert.False(t, imaging.IsGrayscale(picture(200)))
	assert.True(t, imaging.IsGrayscale(image.NewGray(image.Rect(0, 0, 4, 4))))
	assert.True(t, imaging.IsGrayscale(image.NewRGBA(image.Rect(0, 0, 0, 0))))
}

func TestInspectPNG(t *testing.T) {
	info, err := imaging.Inspect(encodePNG(t, picture(0)))
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatPNG, info.Format)
	assert.Equal(t, 20, info.Width)
	assert.Equal(t, 10, info.Height)
	assert.True(t, info.Grayscale)

	info, err = imaging.Inspect(encodePNG(t, picture(100)))
	require.NoError(t, err)
	assert.False(t, info.Grayscale)
}

func TestInspectJPEGAndGIF(t *testing.T) {
	var jbuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jbuf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	info, err := imaging.Inspect(jbuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatJPEG, info.Format)
	assert.True(t, info.Grayscale)

	var gbuf bytes.Buffer
	require.NoError(t, gif.Encode(&gbuf, picture(200), nil))
	info, err = imaging.Inspect(gbuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatGIF, info.Format)
	assert.False(t, info.Grayscale)
}

func TestInspectUndecodedFormatsAreColor(t *testing.T) {
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 16)...)
	info, err := imaging.Inspect(webp)
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatWEBP, info.Format)
	assert.False(t, info.Grayscale)
	assert.Zero(t, info.Width)

	tiff := append([]byte{0x49, 0x49, 0x2A, 0x00}, make([]byte, 16)...)
	format, err := imaging.DetectFormat(tiff)
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatTIFF, format)
}

func TestUnknownContentIsUnsupported(t *testing.T) {
	_, err := imaging.Inspect([]byte("just some text, not an image"))
	var unsupported *forge.UnsupportedFormatError
	require.True(t, errors.As(err, &unsupported), "got %v", err)
}

func TestTruncatedPNGIsUnsupported(t *testing.T) {
	data := encodePNG(t, picture(0))
	_, err := imaging.Inspect(data[:40])
	var unsupported *forge.UnsupportedFormatError
	require.True(t, errors.As(err, &unsupported), "got %v", err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]imaging.Format{
		"PNG": imaging.FormatPNG, "jpg": imaging.FormatJPEG, "JPEG": imaging.FormatJPEG,
		".webp": imaging.FormatWEBP, "tif": imaging.FormatTIFF,
	} {
		got, err := imaging.ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := imaging.ParseFormat("svg")
	require.Error(t, err)

	assert.Equal(t, "jpg", imaging.FormatJPEG.Extension())
	assert.True(t, imaging.SupportedExtension("photo.JPG"))
	assert.False(t, imaging.SupportedExtension("notes.txt"))
	assert.False(t, imaging.SupportedExtension("README"))
}

func TestEncodeConvertsBetweenPNGAndJPEG(t *testing.T) {
	src := encodePNG(t, picture(50))

	out, format, err := imaging.Encode(src, imaging.FormatJPEG)
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatJPEG, format)
	detected, err := imaging.DetectFormat(out)
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatJPEG, detected)

	same, format, err := imaging.Encode(src, imaging.FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatPNG, format)
	assert.Equal(t, src, same)
}

func TestEncodeKeepsDataWithoutEncoder(t *testing.T) {
	src := encodePNG(t, picture(0))
	out, format, err := imaging.Encode(src, imaging.FormatWEBP)
	require.NoError(t, err)
	assert.Equal(t, imaging.FormatPNG, format)
	assert.Equal(t, src, out)
}
