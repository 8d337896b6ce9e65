package control

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// DefaultFailKeyword marks a failure report from the test harness.
const DefaultFailKeyword = "FAIL"

// Class is the classification of one inbound chunk.
type Class int

const (
	ClassInfo Class = iota
	ClassFail
	ClassPeerClosed
)

func (c Class) String() string {
	switch c {
	case ClassInfo:
		return "info"
	case ClassFail:
		return "fail"
	case ClassPeerClosed:
		return "peer-closed"
	default:
		return "unknown"
	}
}

// Classify inspects a raw chunk. The keyword is matched on bytes, so a chunk
// that is not valid UTF-8 is still recognised as a failure. A keyword split
// across two reads is not detected: the stream has no framing.
func Classify(chunk []byte, keyword string) Class {
	if len(chunk) == 0 {
		return ClassPeerClosed
	}
	if keyword == "" {
		keyword = DefaultFailKeyword
	}
	if bytes.Contains(chunk, []byte(keyword)) {
		return ClassFail
	}
	return ClassInfo
}

// Decode returns the chunk as text. ok is false when the chunk was not valid
// UTF-8, in which case invalid sequences are replaced.
func Decode(chunk []byte) (text string, ok bool) {
	if utf8.Valid(chunk) {
		return string(chunk), true
	}
	return strings.ToValidUTF8(string(chunk), "�"), false
}

// sanitizeForLogging keeps received text on one log line.
func sanitizeForLogging(text string) string {
	const maxLogLength = 200
	if len(text) > maxLogLength {
		text = text[:maxLogLength] + "..."
	}

	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			b.WriteString("\\n")
		case r == '\t':
			b.WriteString("\\t")
		case r < 32 || r == 127:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
