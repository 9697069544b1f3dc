package classifier

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Preprocess decodes data, stretches it to InputWidth x InputHeight without
// preserving aspect ratio and scales every channel into [0, 1].
func Preprocess(data []byte, order ChannelOrder) (Tensor, error) {
	if len(data) == 0 {
		return Tensor{}, &DecodeError{Err: errors.New("empty image data")}
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, &DecodeError{Err: err}
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return Tensor{}, &DecodeError{Err: errors.New("image has no pixels")}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, InputWidth, InputHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), dropAlpha(src), src.Bounds(), draw.Src, nil)

	t := Tensor{
		Width:    InputWidth,
		Height:   InputHeight,
		Channels: InputChannels,
		Data:     make([]float32, InputWidth*InputHeight*InputChannels),
	}
	r, b := 0, 2
	if order == BGR {
		r, b = 2, 0
	}
	for y := 0; y < InputHeight; y++ {
		for x := 0; x < InputWidth; x++ {
			px := dst.PixOffset(x, y)
			i := (y*InputWidth + x) * InputChannels
			t.Data[i+r] = float32(dst.Pix[px]) / 255
			t.Data[i+1] = float32(dst.Pix[px+1]) / 255
			t.Data[i+b] = float32(dst.Pix[px+2]) / 255
		}
	}
	return t, nil
}

// dropAlpha returns an opaque copy of src that keeps the stored color of
// transparent pixels instead of blending them toward black.
func dropAlpha(src image.Image) image.Image {
	b := src.Bounds()
	out := image.NewNRGBA(b)
	if n, ok := src.(*image.NRGBA); ok {
		rowLen := 4 * b.Dx()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			o, i := out.PixOffset(b.Min.X, y), n.PixOffset(b.Min.X, y)
			copy(out.Pix[o:o+rowLen], n.Pix[i:i+rowLen])
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out.SetNRGBA(x, y, color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA))
			}
		}
	}
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}
