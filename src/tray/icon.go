package tray

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"runtime"
)

const iconSize = 16

var (
	colorIdle    = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	colorRunning = color.RGBA{R: 0x10, G: 0xa0, B: 0x40, A: 0xff}
	colorBusy    = color.RGBA{R: 0xe0, G: 0x90, B: 0x10, A: 0xff}
)

// drawIcon renders a filled circle with a crosshair in the given colour.
func drawIcon(fill color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, iconSize, iconSize))
	c := float64(iconSize-1) / 2
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			d2 := dx*dx + dy*dy
			switch {
			case d2 > c*c:
				continue
			case x == iconSize/2 || y == iconSize/2:
				img.SetRGBA(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
			default:
				img.SetRGBA(x, y, fill)
			}
		}
	}
	return img
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// wrapICO puts a PNG into a single-image ICO container, which the Windows
// tray requires.
func wrapICO(pngData []byte) []byte {
	var buf bytes.Buffer
	header := struct {
		Reserved, Type, Count uint16
	}{0, 1, 1}
	entry := struct {
		Width, Height, Colors, Reserved uint8
		Planes, BitCount                uint16
		Size, Offset                    uint32
	}{iconSize, iconSize, 0, 0, 1, 32, uint32(len(pngData)), 6 + 16}
	_ = binary.Write(&buf, binary.LittleEndian, header)
	_ = binary.Write(&buf, binary.LittleEndian, entry)
	buf.Write(pngData)
	return buf.Bytes()
}

func iconBytes(fill color.RGBA) []byte {
	data := encodePNG(drawIcon(fill))
	if runtime.GOOS == "windows" {
		return wrapICO(data)
	}
	return data
}
