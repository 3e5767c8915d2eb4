package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG},
		{"png", []byte{0x89, 'P', 'N', 'G', '\r', '\n'}, FormatPNG},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP},
		{"riff not webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), FormatUnknown},
		{"bmp", []byte("BM\x00\x00"), FormatBMP},
		{"tiff le", []byte{'I', 'I', 0x2A, 0x00}, FormatTIFF},
		{"tiff be", []byte{'M', 'M', 0x00, 0x2A}, FormatTIFF},
		{"short", []byte{0xFF}, FormatUnknown},
		{"text", []byte("hello"), FormatUnknown},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.data); got != tt.want {
			t.Errorf("%s: DetectFormat = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestToTensorNormalizes(t *testing.T) {
	red := solid(10, 6, color.NRGBA{R: 255, A: 255})
	gray := solid(4, 4, color.NRGBA{R: 128, G: 128, B: 128, A: 255})

	x, err := ToTensor([]image.Image{red, gray}, DefaultOptions(8))
	if err != nil {
		t.Fatalf("ToTensor: %v", err)
	}
	want := []int{2, 3, 8, 8}
	for i, d := range want {
		if x.Dim(i) != d {
			t.Fatalf("shape = %v, want %v", x.Shape(), want)
		}
	}

	expect := func(b, c int, v float32) {
		t.Helper()
		ref := (v - ImageNetMean[c]) / ImageNetStd[c]
		for _, pos := range [][2]int{{0, 0}, {7, 7}, {3, 5}} {
			got := x.At(b, c, pos[0], pos[1])
			// One 8-bit step of interpolation rounding.
			if math.Abs(float64(got-ref)) > 2e-2 {
				t.Errorf("x[%d,%d,%d,%d] = %g, want %g", b, c, pos[0], pos[1], got, ref)
			}
		}
	}
	expect(0, 0, 1)
	expect(0, 1, 0)
	expect(0, 2, 0)
	for c := 0; c < 3; c++ {
		expect(1, c, 128.0/255)
	}
}

func TestNormalizeDropsAlpha(t *testing.T) {
	img := solid(1, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
	dst := make([]float32, 3)
	if err := Normalize(dst, img, [3]float32{}, [3]float32{1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	for c, v := range dst {
		if v != 1 {
			t.Errorf("channel %d = %g, want 1", c, v)
		}
	}
	if err := Normalize(make([]float32, 2), img, ImageNetMean, ImageNetStd); err == nil {
		t.Error("short destination accepted")
	}
}

func TestToTensorErrors(t *testing.T) {
	if _, err := ToTensor(nil, DefaultOptions(8)); err == nil {
		t.Error("empty batch accepted")
	}
	if _, err := ToTensor([]image.Image{solid(2, 2, color.Black)}, DefaultOptions(0)); err == nil {
		t.Error("zero size accepted")
	}
}

func TestDecode(t *testing.T) {
	img, format, err := Decode(encodePNG(t, solid(3, 2, color.White)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatPNG || img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Errorf("format %s bounds %v", format, img.Bounds())
	}

	if _, _, err := Decode([]byte("plain text")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("text err = %v, want ErrUnknownFormat", err)
	}
	if _, _, err := Decode([]byte{0x89, 'P', 'N', 'G', 0, 0, 0}); !errors.Is(err, ErrDecode) {
		t.Errorf("truncated png err = %v, want ErrDecode", err)
	}
}

func TestValidator(t *testing.T) {
	pngData := encodePNG(t, solid(4, 4, color.White))
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, solid(4, 4, color.White), nil); err != nil {
		t.Fatal(err)
	}
	v := NewValidator(0)
	if v.MaxSize != DefaultMaxUploadSize {
		t.Errorf("MaxSize = %d", v.MaxSize)
	}

	tests := []struct {
		name     string
		filename string
		data     []byte
		maxSize  int64
		want     error
	}{
		{"png", "leaf.png", pngData, 0, nil},
		{"jpeg upper ext", "leaf.JPG", jpg.Bytes(), 0, nil},
		{"no filename", "", pngData, 0, nil},
		{"too large", "leaf.png", pngData, 10, ErrTooLarge},
		{"gif extension", "leaf.gif", pngData, 0, ErrExtensionNotAllowed},
		{"bmp content", "leaf.png", []byte("BM\x00\x00\x00\x00"), 0, ErrFormatNotAllowed},
		{"corrupt png", "leaf.png", []byte{0x89, 'P', 'N', 'G', 0, 0}, 0, ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidator(tt.maxSize).Validate(tt.filename, tt.data)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
