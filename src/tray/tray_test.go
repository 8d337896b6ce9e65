package tray

import (
	"bytes"
	"encoding/binary"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcp-clicker/src/coordinator"
)

func TestStatusText(t *testing.T) {
	tests := []struct {
		name  string
		state coordinator.RunState
		want  string
	}{
		{
			name:  "fresh",
			state: coordinator.RunState{Threshold: 0.8},
			want:  "idle | device not connected | template none | 0.80 | 0 matches",
		},
		{
			name: "running",
			state: coordinator.RunState{
				State:        coordinator.StateRunning,
				Connected:    true,
				TemplatePath: "/home/op/templates/button.png",
				Threshold:    0.95,
				MatchCount:   12,
			},
			want: "running | device connected | template button.png | 0.95 | 12 matches",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusText(tt.state))
		})
	}
}

func TestTooltipText(t *testing.T) {
	s := coordinator.RunState{State: coordinator.StateRunning, Threshold: 0.8}
	assert.Equal(t, appName+": "+StatusText(s), tooltipText(s))

	s.LastReply = "Message received"
	assert.Equal(t, appName+": "+StatusText(s)+"\nserver: Message received", tooltipText(s))

	s.LastReply = strings.Repeat("x", maxReplyRunes+10)
	tip := tooltipText(s)
	assert.True(t, strings.HasSuffix(tip, strings.Repeat("x", maxReplyRunes)+"…"))
}

func TestUpdateBeforeReadyIsRemembered(t *testing.T) {
	tr := New(Actions{})
	s := coordinator.RunState{State: coordinator.StateRunning, MatchCount: 3}
	tr.Update(s)
	assert.Equal(t, s, tr.last)
}

func TestDrawIconIsPNG(t *testing.T) {
	data := encodePNG(drawIcon(colorRunning))
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, iconSize, img.Bounds().Dx())

	// Centre row is the white crosshair; a point off both axes carries the fill.
	r, g, _, _ := img.At(4, 5).RGBA()
	assert.Equal(t, uint32(colorRunning.R), r>>8)
	assert.Equal(t, uint32(colorRunning.G), g>>8)
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Zero(t, a, "corner should be transparent")
}

func TestWrapICO(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	ico := wrapICO(payload)
	require.Len(t, ico, 6+16+len(payload))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(ico[2:4]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(ico[4:6]))
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(ico[14:18]))
	assert.Equal(t, uint32(22), binary.LittleEndian.Uint32(ico[18:22]))
	assert.Equal(t, payload, ico[22:])
}
