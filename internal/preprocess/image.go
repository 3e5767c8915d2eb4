package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/23skdu/plantvit/internal/tensor"
)

// Format is an image container detected from magic bytes.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatUnknown Format = "unknown"
)

var (
	ErrUnknownFormat = errors.New("unknown image format")
	ErrDecode        = errors.New("invalid image file")
)

var magics = []struct {
	format Format
	prefix []byte
}{
	{FormatJPEG, []byte{0xFF, 0xD8, 0xFF}},
	{FormatPNG, []byte{0x89, 'P', 'N', 'G'}},
	{FormatBMP, []byte{'B', 'M'}},
	{FormatTIFF, []byte{'I', 'I', 0x2A, 0x00}},
	{FormatTIFF, []byte{'M', 'M', 0x00, 0x2A}},
}

// DetectFormat identifies data by its leading bytes.
func DetectFormat(data []byte) Format {
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return FormatWebP
	}
	for _, m := range magics {
		if bytes.HasPrefix(data, m.prefix) {
			return m.format
		}
	}
	return FormatUnknown
}

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Options controls the transform applied before inference.
type Options struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// DefaultOptions resizes to size and normalizes with ImageNet statistics.
func DefaultOptions(size int) Options {
	return Options{Size: size, Mean: ImageNetMean, Std: ImageNetStd}
}

// Decode reads any registered image format.
func Decode(data []byte) (image.Image, Format, error) {
	format := DetectFormat(data)
	if format == FormatUnknown {
		return nil, format, ErrUnknownFormat
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// LoadFile decodes the image at path.
func LoadFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to size x size with bilinear interpolation, ignoring
// aspect ratio.
func Resize(img image.Image, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Normalize writes img into dst as CHW floats in [0,1] shifted by mean and
// scaled by std. Alpha is dropped, not composited. dst must hold 3*H*W values.
func Normalize(dst []float32, img image.Image, mean, std [3]float32) error {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	if len(dst) != 3*plane {
		return fmt.Errorf("%w: normalize: destination holds %d values, image needs %d", tensor.ErrShape, len(dst), 3*plane)
	}
	idx := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst[idx] = (float32(c.R)/255 - mean[0]) / std[0]
			dst[plane+idx] = (float32(c.G)/255 - mean[1]) / std[1]
			dst[2*plane+idx] = (float32(c.B)/255 - mean[2]) / std[2]
			idx++
		}
	}
	return nil
}

// ToTensor resizes and normalizes imgs into a (B, 3, Size, Size) batch.
func ToTensor(imgs []image.Image, opts Options) (*tensor.Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("%w: empty image batch", tensor.ErrShape)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid image size: %d (must be positive)", opts.Size)
	}
	plane := 3 * opts.Size * opts.Size
	out := tensor.New(len(imgs), 3, opts.Size, opts.Size)
	data := out.Data()
	for i, img := range imgs {
		if err := Normalize(data[i*plane:(i+1)*plane], Resize(img, opts.Size), opts.Mean, opts.Std); err != nil {
			return nil, err
		}
	}
	return out, nil
}
