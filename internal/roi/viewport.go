package roi

import "image"

// Viewport describes how the stream is shown: the widget receiving pointer
// events and the scaled picture drawn centred inside it.
type Viewport struct {
	WidgetWidth  int `json:"widget_width"`
	WidgetHeight int `json:"widget_height"`
	PixmapWidth  int `json:"pixmap_width"`
	PixmapHeight int `json:"pixmap_height"`
}

// ToStream converts a widget position into stream pixel coordinates,
// compensating for letterboxing and clamping to the stream bounds. It fails
// when nothing is displayed.
func (v Viewport) ToStream(p image.Point, streamW, streamH int) (image.Point, bool) {
	if v.PixmapWidth <= 0 || v.PixmapHeight <= 0 || streamW <= 0 || streamH <= 0 {
		return image.Point{}, false
	}

	ratioX := float64(streamW) / float64(v.PixmapWidth)
	ratioY := float64(streamH) / float64(v.PixmapHeight)

	offsetX := max(0, (v.WidgetWidth-v.PixmapWidth)/2)
	offsetY := max(0, (v.WidgetHeight-v.PixmapHeight)/2)

	return image.Pt(
		clamp(int(float64(p.X-offsetX)*ratioX), 0, streamW-1),
		clamp(int(float64(p.Y-offsetY)*ratioY), 0, streamH-1),
	), true
}
