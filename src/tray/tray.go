package tray

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/getlantern/systray"

	"tcp-clicker/src/coordinator"
)

const (
	appName       = "TCP Clicker"
	maxReplyRunes = 60
)

// Actions are invoked from the menu. Each runs on its own goroutine so a
// slow connect or stop never blocks the menu loop.
type Actions struct {
	ConnectDevice func()
	Start         func()
	Stop          func()
	Quit          func()
}

// Tray is the operator surface: a status line and the run controls.
type Tray struct {
	actions Actions

	mu       sync.Mutex
	ready    bool
	last     coordinator.RunState
	mStatus  *systray.MenuItem
	mConnect *systray.MenuItem
	mStart   *systray.MenuItem
	mStop    *systray.MenuItem
}

func New(actions Actions) *Tray {
	return &Tray{actions: actions}
}

// Run blocks on the platform tray loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit ends the tray loop.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle(appName)

	t.mu.Lock()
	t.mStatus = systray.AddMenuItem("", "Current state")
	t.mStatus.Disable()
	systray.AddSeparator()
	t.mConnect = systray.AddMenuItem("Connect device", "Check the device and forward the control port")
	t.mStart = systray.AddMenuItem("Start", "Start clicking")
	t.mStop = systray.AddMenuItem("Stop", "Stop the current run")
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Quit the application")
	t.ready = true
	state := t.last
	t.mu.Unlock()

	t.apply(state)

	go func() {
		for {
			select {
			case <-t.mConnect.ClickedCh:
				go call(t.actions.ConnectDevice)
			case <-t.mStart.ClickedCh:
				go call(t.actions.Start)
			case <-t.mStop.ClickedCh:
				go call(t.actions.Stop)
			case <-mQuit.ClickedCh:
				call(t.actions.Quit)
				systray.Quit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {
	log.Printf("tray: exited")
}

// Update refreshes the menu from a coordinator state. Safe to call before
// the tray is ready; the latest state is applied once it is.
func (t *Tray) Update(s coordinator.RunState) {
	t.mu.Lock()
	t.last = s
	ready := t.ready
	t.mu.Unlock()
	if ready {
		t.apply(s)
	}
}

func (t *Tray) apply(s coordinator.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mStatus.SetTitle(StatusText(s))
	systray.SetTooltip(tooltipText(s))

	switch s.State {
	case coordinator.StateRunning:
		systray.SetIcon(iconBytes(colorRunning))
	case coordinator.StateConnecting, coordinator.StateStopping:
		systray.SetIcon(iconBytes(colorBusy))
	default:
		systray.SetIcon(iconBytes(colorIdle))
	}

	idle := s.State == coordinator.StateIdle
	setEnabled(t.mConnect, idle)
	setEnabled(t.mStart, idle)
	setEnabled(t.mStop, s.State == coordinator.StateRunning)
}

// StatusText is the one-line summary shown in the menu and tooltip.
func StatusText(s coordinator.RunState) string {
	device := "not connected"
	if s.Connected {
		device = "connected"
	}
	template := "none"
	if s.TemplatePath != "" {
		template = filepath.Base(s.TemplatePath)
	}
	return fmt.Sprintf("%s | device %s | template %s | %.2f | %d matches",
		s.State, device, template, s.Threshold, s.MatchCount)
}

func tooltipText(s coordinator.RunState) string {
	tip := appName + ": " + StatusText(s)
	if s.LastReply != "" {
		reply := []rune(s.LastReply)
		if len(reply) > maxReplyRunes {
			reply = append(reply[:maxReplyRunes], '…')
		}
		tip += "\nserver: " + string(reply)
	}
	return tip
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
