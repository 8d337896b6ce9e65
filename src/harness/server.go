package harness

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
)

const (
	DefaultAddr  = "127.0.0.1:8888"
	DefaultReply = "Message received"
)

// Server is the test-harness side of the control channel. It acknowledges
// every inbound chunk and can push arbitrary messages (for example a
// failure report) to every connected client.
type Server struct {
	addr  string
	reply string

	mu       sync.Mutex
	lis      net.Listener
	conns    map[net.Conn]struct{}
	received chan string
	wg       sync.WaitGroup
}

// NewServer returns a server that will listen on addr. Use "127.0.0.1:0"
// in tests to pick a free port.
func NewServer(addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:     addr,
		reply:    DefaultReply,
		conns:    make(map[net.Conn]struct{}),
		received: make(chan string, 64),
	}
}

// SetReply changes the acknowledgement. An empty reply disables it.
func (s *Server) SetReply(reply string) {
	s.mu.Lock()
	s.reply = reply
	s.mu.Unlock()
}

// Start binds the listener and begins accepting clients.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Printf("harness: failed to bind %s: %v", s.addr, err)
		return err
	}
	s.lis = lis
	log.Printf("harness: listening on %s", lis.Addr())
	s.wg.Add(1)
	go s.acceptLoop(ctx, lis)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

// Received delivers every chunk read from any client. Chunks are dropped
// when nobody drains the channel.
func (s *Server) Received() <-chan string { return s.received }

// Clients returns the number of open client connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ctx context.Context, lis net.Listener) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	for {
		c, err := lis.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("harness: accept: %v", err)
			}
			return
		}
		log.Printf("harness: accepted connection from %s", c.RemoteAddr())
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer s.drop(c)

	buf := make([]byte, 1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			msg := string(buf[:n])
			select {
			case s.received <- msg:
			default:
			}
			s.mu.Lock()
			reply := s.reply
			s.mu.Unlock()
			if reply != "" {
				if _, werr := c.Write([]byte(reply)); werr != nil {
					log.Printf("harness: reply to %s: %v", c.RemoteAddr(), werr)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) drop(c net.Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		_ = c.Close()
		log.Printf("harness: client connection closed")
	}
}

// Broadcast writes msg to every connected client and returns how many
// writes succeeded.
func (s *Server) Broadcast(msg string) int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if _, err := c.Write([]byte(msg)); err != nil {
			log.Printf("harness: broadcast to %s: %v", c.RemoteAddr(), err)
			continue
		}
		sent++
	}
	return sent
}

// DisconnectAll closes every client connection, which clients observe as
// an orderly peer close.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.drop(c)
	}
}

// Close stops accepting, disconnects clients, and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	s.mu.Unlock()
	if lis != nil {
		_ = lis.Close()
	}
	s.DisconnectAll()
	s.wg.Wait()
	log.Printf("harness: server closed")
	return nil
}
