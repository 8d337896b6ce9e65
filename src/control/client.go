package control

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"tcp-clicker/src/shutdown"
)

const (
	DefaultPollInterval = time.Second
	defaultBufferSize   = 1024
)

// Reason says why the receive loop ended.
type Reason int

const (
	// ReasonStopped: the shutdown signal was raised by someone else.
	ReasonStopped Reason = iota
	// ReasonFail: the server reported a failure keyword.
	ReasonFail
	// ReasonPeerClosed: the server closed the connection.
	ReasonPeerClosed
	// ReasonReadError: the socket failed with something other than a timeout.
	ReasonReadError
)

func (r Reason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonFail:
		return "fail"
	case ReasonPeerClosed:
		return "peer-closed"
	case ReasonReadError:
		return "read-error"
	default:
		return "unknown"
	}
}

// Outcome is what the receive loop reports when it returns.
type Outcome struct {
	Reason  Reason
	Message string // decoded chunk that carried the failure keyword
	Err     error  // set for ReasonReadError
}

// Failed reports whether the run ended for a reason other than an operator stop.
func (o Outcome) Failed() bool { return o.Reason != ReasonStopped }

func (o Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s: %v", o.Reason, o.Err)
	case o.Message != "":
		return fmt.Sprintf("%s: %q", o.Reason, sanitizeForLogging(o.Message))
	default:
		return o.Reason.String()
	}
}

// Client runs the polling receive loop over one control connection.
type Client struct {
	// PollInterval bounds each read so the shutdown signal is re-checked
	// at least this often.
	PollInterval time.Duration
	// Keyword overrides DefaultFailKeyword.
	Keyword string
	// OnFail is invoked before teardown when the failure keyword arrives.
	OnFail func()
	// OnMessage, when set, receives every decoded informational chunk.
	OnMessage func(text string)
}

// Run reads from conn until sig is raised, the peer closes, the socket
// fails, or a failure keyword arrives. Every terminal path raises sig and
// closes conn before returning.
func (c *Client) Run(sig *shutdown.Signal, conn *Conn) Outcome {
	out := c.loop(sig, conn)
	sig.Set()
	if !conn.Closed() {
		log.Printf("control: closing client socket")
	}
	if err := conn.Close(); err != nil {
		log.Printf("control: close error: %v", err)
	}
	return out
}

func (c *Client) loop(sig *shutdown.Signal, conn *Conn) Outcome {
	poll := c.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	buf := make([]byte, defaultBufferSize)

	for !sig.IsSet() {
		if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
			if sig.IsSet() {
				break
			}
			log.Printf("control: set read deadline: %v", err)
			return Outcome{Reason: ReasonReadError, Err: err}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if out, done := c.handleChunk(buf[:n]); done {
				return out
			}
		}
		if err == nil {
			if n == 0 {
				log.Printf("control: server closed the connection")
				return Outcome{Reason: ReasonPeerClosed}
			}
			continue
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if sig.IsSet() {
			break
		}
		if errors.Is(err, io.EOF) {
			log.Printf("control: server closed the connection")
			return Outcome{Reason: ReasonPeerClosed}
		}
		log.Printf("control: receive error: %v", err)
		return Outcome{Reason: ReasonReadError, Err: err}
	}
	return Outcome{Reason: ReasonStopped}
}

func (c *Client) handleChunk(chunk []byte) (Outcome, bool) {
	text, ok := Decode(chunk)
	if !ok {
		log.Printf("control: received %d bytes that are not valid UTF-8", len(chunk))
	}
	log.Printf("control: received from server: %s", sanitizeForLogging(text))

	switch Classify(chunk, c.Keyword) {
	case ClassFail:
		log.Printf("control: WARNING failure keyword detected, saving log")
		if c.OnFail != nil {
			c.OnFail()
		}
		return Outcome{Reason: ReasonFail, Message: text}, true
	default:
		if c.OnMessage != nil {
			c.OnMessage(text)
		}
		return Outcome{}, false
	}
}
