package logutil

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	out, flags := log.Writer(), log.Flags()
	t.Cleanup(func() {
		log.SetOutput(out)
		log.SetFlags(flags)
	})
}

func TestSetupTeesToFileAndConsole(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "app.log")
	var console bytes.Buffer

	if err := Setup(Options{Path: path, EnableFile: true, Console: &console}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	log.Printf("control: hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "control: hello") {
		t.Errorf("Expected log file to contain message, got %q", data)
	}
	if !strings.Contains(console.String(), "control: hello") {
		t.Errorf("Expected console to contain message, got %q", console.String())
	}
}

func TestSetupConsoleOnly(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "app.log")
	var console bytes.Buffer

	if err := Setup(Options{Path: path, EnableFile: false, Console: &console}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	log.Printf("hi")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no log file, stat err=%v", err)
	}
	if console.Len() == 0 {
		t.Error("Expected console output")
	}
}

func TestSetupUnwritablePath(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "missing", "dir", "app.log")
	if err := Setup(Options{Path: path, EnableFile: true, Console: &bytes.Buffer{}}); err == nil {
		t.Error("Expected error for unwritable log path")
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	w, err := newRotatingWriter(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer w.f.Close()

	for _, line := range []string{"0123456789\n", "abcdefghij\n", "ABCDEFGHIJ\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, _ := os.ReadFile(path)
	if string(current) != "ABCDEFGHIJ\n" {
		t.Errorf("Expected newest line in current log, got %q", current)
	}
	first, _ := os.ReadFile(archiveName(path, 1))
	if string(first) != "abcdefghij\n" {
		t.Errorf("Expected previous line in .1, got %q", first)
	}
	second, _ := os.ReadFile(archiveName(path, 2))
	if string(second) != "0123456789\n" {
		t.Errorf("Expected oldest line in .2, got %q", second)
	}
}
