package hotkey

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	gohook "github.com/robotn/gohook"
)

// Binding ties a combination like "Ctrl+Alt+S" to an action.
type Binding struct {
	Combo    string
	Callback func()
}

type keyState struct {
	name     string
	rawcodes []uint16
	pressed  bool
}

// combo tracks which keys of one binding are currently held.
type combo struct {
	config   string
	keys     []keyState
	callback func()
}

func newCombo(b Binding) (*combo, error) {
	c := &combo{config: b.Combo, callback: b.Callback}
	for _, name := range parseHotkey(b.Combo) {
		rawcodes := keyNameToRawcodes(name)
		if len(rawcodes) == 0 {
			return nil, fmt.Errorf("cannot map key %q in hotkey %q", name, b.Combo)
		}
		c.keys = append(c.keys, keyState{name: name, rawcodes: rawcodes})
	}
	if len(c.keys) == 0 {
		return nil, fmt.Errorf("no valid keys in hotkey %q", b.Combo)
	}
	return c, nil
}

// keyDown marks rawcode pressed and reports whether the whole combination
// is now held. A completed combination is reset so it fires once per press.
func (c *combo) keyDown(rawcode uint16) bool {
	for i := range c.keys {
		for _, rc := range c.keys[i].rawcodes {
			if rc == rawcode {
				c.keys[i].pressed = true
			}
		}
	}
	for i := range c.keys {
		if !c.keys[i].pressed {
			return false
		}
	}
	for i := range c.keys {
		c.keys[i].pressed = false
	}
	return true
}

func (c *combo) keyUp(rawcode uint16) {
	for i := range c.keys {
		for _, rc := range c.keys[i].rawcodes {
			if rc == rawcode {
				c.keys[i].pressed = false
			}
		}
	}
}

// dispatcher routes raw key events to every registered combination.
type dispatcher struct {
	mu     sync.Mutex
	combos []*combo
}

func newDispatcher(bindings []Binding) (*dispatcher, error) {
	d := &dispatcher{}
	for _, b := range bindings {
		c, err := newCombo(b)
		if err != nil {
			return nil, err
		}
		d.combos = append(d.combos, c)
	}
	return d, nil
}

// handle returns the callbacks to run for one event. Callbacks run outside
// the lock so they may block.
func (d *dispatcher) handle(kind uint8, rawcode uint16) []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var fire []func()
	for _, c := range d.combos {
		switch kind {
		case gohook.KeyDown:
			if c.keyDown(rawcode) {
				log.Printf("hotkey: %s activated", c.config)
				if c.callback != nil {
					fire = append(fire, c.callback)
				}
			}
		case gohook.KeyUp:
			c.keyUp(rawcode)
		}
	}
	return fire
}

// Listen registers all bindings on one global keyboard hook. It returns an
// error when a combination cannot be mapped; the hook runs until Stop.
func Listen(bindings ...Binding) error {
	d, err := newDispatcher(bindings)
	if err != nil {
		return err
	}
	for _, c := range d.combos {
		log.Printf("hotkey: listening for %s", c.config)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("PANIC in hotkey goroutine: %v", r)
			}
		}()

		evChan := gohook.Start()
		if evChan == nil {
			log.Printf("hotkey: gohook.Start() returned nil channel")
			return
		}
		for ev := range evChan {
			if ev.Kind != gohook.KeyDown && ev.Kind != gohook.KeyUp {
				continue
			}
			for _, cb := range d.handle(ev.Kind, ev.Rawcode) {
				go cb()
			}
		}
		log.Printf("hotkey: event channel closed")
	}()
	return nil
}

// Stop ends the global hook.
func Stop() {
	gohook.End()
}

// parseHotkey converts a hotkey string like "Ctrl+Alt+q" to normalized key names
func parseHotkey(hotkeyConfig string) []string {
	parts := strings.Split(strings.ToLower(hotkeyConfig), "+")
	var keys []string

	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch part {
		case "":
			continue
		case "control":
			keys = append(keys, "ctrl")
		case "win", "cmd", "super":
			keys = append(keys, "cmd")
		default:
			keys = append(keys, part)
		}
	}

	return keys
}

// keyNameToRawcodes maps a key name to its Windows virtual key code rawcodes.
// Modifiers return both left and right variants.
func keyNameToRawcodes(keyName string) []uint16 {
	keyName = strings.ToLower(strings.TrimSpace(keyName))

	switch keyName {
	case "ctrl":
		return []uint16{162, 163} // VK_LCONTROL, VK_RCONTROL
	case "alt":
		return []uint16{164, 165} // VK_LMENU, VK_RMENU
	case "shift":
		return []uint16{160, 161} // VK_LSHIFT, VK_RSHIFT
	case "win", "cmd", "super":
		return []uint16{91, 92} // VK_LWIN, VK_RWIN

	case "space":
		return []uint16{32}
	case "enter", "return":
		return []uint16{13}
	case "esc", "escape":
		return []uint16{27}
	case "tab":
		return []uint16{9}
	case "backspace":
		return []uint16{8}
	case "delete", "del":
		return []uint16{46}
	case "insert", "ins":
		return []uint16{45}
	case "home":
		return []uint16{36}
	case "end":
		return []uint16{35}
	case "pageup", "pgup":
		return []uint16{33} // VK_PRIOR
	case "pagedown", "pgdn":
		return []uint16{34} // VK_NEXT
	case "left":
		return []uint16{37}
	case "up":
		return []uint16{38}
	case "right":
		return []uint16{39}
	case "down":
		return []uint16{40}
	}

	if len(keyName) == 1 {
		switch ch := keyName[0]; {
		case ch >= 'a' && ch <= 'z':
			return []uint16{uint16(65 + ch - 'a')} // VK 0x41-0x5A
		case ch >= '0' && ch <= '9':
			return []uint16{uint16(48 + ch - '0')} // VK 0x30-0x39
		}
	}

	// F1-F24: VK_F1 is 112.
	if strings.HasPrefix(keyName, "f") {
		if n, err := strconv.Atoi(keyName[1:]); err == nil && n >= 1 && n <= 24 {
			return []uint16{uint16(111 + n)}
		}
	}

	log.Printf("WARNING: Unknown key name '%s', cannot map to rawcode", keyName)
	return nil
}
