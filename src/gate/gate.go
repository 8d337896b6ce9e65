package gate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultADBPath    = "adb"
	DefaultDevicePort = 8888
	commandTimeout    = 15 * time.Second
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Gate checks that a device is attached and forwards the control port to it.
// It keeps no state between calls.
type Gate struct {
	ADBPath    string
	Serial     string // optional, passed as -s
	LocalPort  int
	RemotePort int
	Runner     Runner
}

// Ensure returns true only if a device is present and the forward succeeded.
// No retries.
func (g *Gate) Ensure(ctx context.Context) bool {
	if err := g.CheckDevice(ctx); err != nil {
		log.Printf("gate: %v", err)
		return false
	}
	if err := g.Forward(ctx); err != nil {
		log.Printf("gate: adb port forward failed: %v", err)
		return false
	}
	log.Printf("gate: adb port forward succeeded (tcp:%d -> tcp:%d)", g.localPort(), g.remotePort())
	return true
}

// CheckDevice runs "adb devices" and looks for an attached device.
func (g *Gate) CheckDevice(ctx context.Context) error {
	out, err := g.run(ctx, "devices")
	if err != nil {
		return fmt.Errorf("checking adb devices: %w", err)
	}
	devices := ParseDevices(out)
	if g.Serial != "" {
		for _, d := range devices {
			if d == g.Serial {
				return nil
			}
		}
		return fmt.Errorf("adb: device %s not found", g.Serial)
	}
	if len(devices) == 0 {
		return fmt.Errorf("adb: no devices/emulators found")
	}
	return nil
}

// Forward sets up tcp:<local> -> tcp:<remote>.
func (g *Gate) Forward(ctx context.Context) error {
	out, err := g.run(ctx, "forward", g.spec(g.localPort()), g.spec(g.remotePort()))
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Remove drops the forward created by Forward. Best effort.
func (g *Gate) Remove(ctx context.Context) {
	if _, err := g.run(ctx, "forward", "--remove", g.spec(g.localPort())); err != nil {
		log.Printf("gate: removing forward tcp:%d: %v", g.localPort(), err)
		return
	}
	log.Printf("gate: removed forward tcp:%d", g.localPort())
}

// ParseDevices returns the serials listed with state "device".
func ParseDevices(out []byte) []string {
	var devices []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			first = false
			if strings.HasPrefix(line, "List of devices") {
				continue
			}
		}
		if line == "" || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			devices = append(devices, fields[0])
		}
	}
	return devices
}

func (g *Gate) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := args
	if g.Serial != "" {
		full = append([]string{"-s", g.Serial}, args...)
	}
	r := g.Runner
	if r == nil {
		r = ExecRunner{}
	}
	path := g.ADBPath
	if path == "" {
		path = DefaultADBPath
	}
	return r.Run(ctx, path, full...)
}

func (g *Gate) spec(port int) string { return fmt.Sprintf("tcp:%d", port) }

func (g *Gate) localPort() int {
	if g.LocalPort > 0 {
		return g.LocalPort
	}
	return DefaultDevicePort
}

func (g *Gate) remotePort() int {
	if g.RemotePort > 0 {
		return g.RemotePort
	}
	return g.localPort()
}
