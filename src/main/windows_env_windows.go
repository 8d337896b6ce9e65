//go:build windows

package main

import (
	"log"

	"golang.org/x/sys/windows"
)

// enableDPIAwareness makes screen capture and click coordinates use physical
// pixels on scaled displays.
func enableDPIAwareness() {
	shcore := windows.NewLazySystemDLL("Shcore.dll")
	setProcessDpiAwareness := shcore.NewProc("SetProcessDpiAwareness")
	const processPerMonitorDPIAware = 2
	if err := setProcessDpiAwareness.Find(); err == nil {
		ret, _, _ := setProcessDpiAwareness.Call(uintptr(processPerMonitorDPIAware))
		if ret != 0 {
			log.Printf("DPI: Failed to set per-monitor DPI awareness, error code: %d", ret)
		}
		return
	}

	user32 := windows.NewLazySystemDLL("user32.dll")
	setProcessDPIAware := user32.NewProc("SetProcessDPIAware")
	if err := setProcessDPIAware.Find(); err != nil {
		log.Printf("DPI: SetProcessDPIAware not available, no DPI awareness set")
		return
	}
	if ret, _, _ := setProcessDPIAware.Call(); ret == 0 {
		log.Printf("DPI: Failed to set system DPI awareness (fallback)")
	}
}

func logMonitorConfiguration() {
	getSystemMetrics := windows.NewLazySystemDLL("user32.dll").NewProc("GetSystemMetrics")
	metric := func(index int) int {
		ret, _, _ := getSystemMetrics.Call(uintptr(index))
		return int(int32(ret))
	}

	const (
		smCMonitors       = 80
		smXVirtualScreen  = 76
		smYVirtualScreen  = 77
		smCXVirtualScreen = 78
		smCYVirtualScreen = 79
	)
	log.Printf("MONITOR: %d monitors, virtual screen x:%d y:%d w:%d h:%d",
		metric(smCMonitors),
		metric(smXVirtualScreen), metric(smYVirtualScreen),
		metric(smCXVirtualScreen), metric(smCYVirtualScreen))
}
