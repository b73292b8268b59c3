package media

import (
	"image"
	"image/color"
)

// Crop copies the part of f inside rect into a new frame. The rectangle is
// clipped to the frame; an empty intersection yields nil.
func Crop(f *Frame, rect image.Rectangle) *Frame {
	rect = rect.Intersect(f.Bounds())
	if rect.Empty() {
		return nil
	}

	out := &Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     rect.Dx(),
		Height:    rect.Dy(),
		Data:      make([]byte, FrameSize(rect.Dx(), rect.Dy())),
	}
	srcStride := f.Width * BytesPerPixel
	dstStride := out.Width * BytesPerPixel
	for y := 0; y < out.Height; y++ {
		src := (rect.Min.Y+y)*srcStride + rect.Min.X*BytesPerPixel
		copy(out.Data[y*dstStride:(y+1)*dstStride], f.Data[src:src+dstStride])
	}
	return out
}

func (f *Frame) set(x, y int, c color.RGBA) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := (y*f.Width + x) * BytesPerPixel
	f.Data[i] = c.R
	f.Data[i+1] = c.G
	f.Data[i+2] = c.B
}

func (f *Frame) fill(r image.Rectangle, c color.RGBA) {
	r = r.Intersect(f.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			f.set(x, y, c)
		}
	}
}

// DrawRect draws the outline of rect in place with the given line thickness.
func DrawRect(f *Frame, rect image.Rectangle, c color.RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	rect = rect.Canon()
	f.fill(image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+thickness), c)
	f.fill(image.Rect(rect.Min.X, rect.Max.Y-thickness, rect.Max.X, rect.Max.Y), c)
	f.fill(image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+thickness, rect.Max.Y), c)
	f.fill(image.Rect(rect.Max.X-thickness, rect.Min.Y, rect.Max.X, rect.Max.Y), c)
}

// DrawCross draws an X of the given half size centred on p.
func DrawCross(f *Frame, p image.Point, half int, c color.RGBA) {
	for d := -half; d <= half; d++ {
		f.set(p.X+d, p.Y+d, c)
		f.set(p.X+d, p.Y-d, c)
	}
}

// DrawCrosshair draws a horizontal and a vertical line through p.
func DrawCrosshair(f *Frame, p image.Point, half int, c color.RGBA) {
	f.fill(image.Rect(p.X-half, p.Y, p.X+half+1, p.Y+1), c)
	f.fill(image.Rect(p.X, p.Y-half, p.X+1, p.Y+half+1), c)
}
