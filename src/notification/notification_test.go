package notification

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	short := "run stopped"
	if got := truncate(short); got != short {
		t.Errorf("Expected %q unchanged, got %q", short, got)
	}

	long := strings.Repeat("失", maxMessageLen+10)
	got := truncate(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Expected ellipsis, got suffix %q", got[len(got)-6:])
	}
	if n := len([]rune(strings.TrimSuffix(got, "..."))); n != maxMessageLen {
		t.Errorf("Expected %d runes, got %d", maxMessageLen, n)
	}
}
