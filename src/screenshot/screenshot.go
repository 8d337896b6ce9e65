package screenshot

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// VirtualBounds returns the union of all active display bounds.
func VirtualBounds() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, fmt.Errorf("no active displays found")
	}
	union := screenshot.GetDisplayBounds(0)
	for i := 1; i < n; i++ {
		union = union.Union(screenshot.GetDisplayBounds(i))
	}
	return union, nil
}

// Capture captures the entire virtual screen across all active displays.
// The returned image keeps virtual-screen coordinates in its Bounds, so a
// point found in it can be clicked directly.
func Capture() (*image.RGBA, error) {
	union, err := VirtualBounds()
	if err != nil {
		return nil, err
	}
	img, err := screenshot.CaptureRect(union)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screen: %w", err)
	}
	if img.Bounds().Min != union.Min {
		img.Rect = img.Rect.Add(union.Min.Sub(img.Rect.Min))
	}
	return img, nil
}
