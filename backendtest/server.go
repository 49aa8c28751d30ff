// Package backendtest runs an in-process fake onboard daemon on a Unix
// socket. Tests script it to respond out of order, inject spurious or
// malformed lines, withhold responses, or drop the connection — everything a
// client has to survive.
package backendtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/Mstrodl/devcaders/message"
)

// Handler is invoked once per decoded request frame. It decides if and how to
// answer via the ServerConn; returning without writing withholds the response.
type Handler func(conn *ServerConn, req message.Request)

// Server is the fake daemon. Create with New, stop with Close.
type Server struct {
	path    string
	handler Handler
	ln      net.Listener

	mu       sync.Mutex
	conns    map[*ServerConn]struct{}
	shutdown bool

	wg sync.WaitGroup
}

// New starts the fake daemon listening on the Unix socket at path.
func New(path string, handler Handler) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("backendtest: listen: %w", err)
	}
	s := &Server{
		path:    path,
		handler: handler,
		ln:      ln,
		conns:   make(map[*ServerConn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string {
	return s.path
}

// Close stops accepting, drops every live connection, and waits for the
// connection goroutines to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.shutdown = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	_ = s.ln.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		conn := &ServerConn{raw: raw}
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = raw.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readConn(conn)
	}
}

func (s *Server) readConn(conn *ServerConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn.raw)
	for scanner.Scan() {
		var req message.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		s.handler(conn, req)
	}
}

// ServerConn is one accepted client connection. Writes are serialized so
// handlers may respond from any goroutine.
type ServerConn struct {
	raw net.Conn
	wmu sync.Mutex
}

// WriteResponse frames and writes one response. The id does not have to
// belong to any request the server has seen — that is how tests inject
// spurious responses.
func (c *ServerConn) WriteResponse(id uint32, body message.ResponseBody) error {
	frame, err := json.Marshal(message.Response{RequestID: id, ResponseBody: body})
	if err != nil {
		return err
	}
	return c.WriteRaw(append(frame, '\n'))
}

// WriteError writes the reserved error variant for id.
func (c *ServerConn) WriteError(id uint32, msg string) error {
	return c.WriteResponse(id, message.ResponseBody{Type: message.TypeError, Message: msg})
}

// WriteRaw writes bytes verbatim — garbage included. The caller supplies the
// trailing newline if the line is meant to be a complete frame.
func (c *ServerConn) WriteRaw(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.raw.Write(line)
	return err
}

// Close drops the connection, simulating a daemon crash from the client's
// point of view.
func (c *ServerConn) Close() {
	_ = c.raw.Close()
}

// EchoHandler answers every known request immediately and in order: pong for
// ping, an empty reader for get_nfc_tag, and a minimal user record for
// get_nfc_user. Unknown types get the error variant.
func EchoHandler(conn *ServerConn, req message.Request) {
	switch req.Type {
	case message.TypePing:
		_ = conn.WriteResponse(req.RequestID, message.ResponseBody{Type: message.TypePong})
	case message.TypeGetNfcTag:
		_ = conn.WriteResponse(req.RequestID, message.ResponseBody{Type: message.TypeNfcTag})
	case message.TypeGetNfcUser:
		_ = conn.WriteResponse(req.RequestID, message.ResponseBody{
			Type: message.TypeNfcUser,
			User: map[string]any{"uid": req.AssociationID},
		})
	default:
		_ = conn.WriteError(req.RequestID, "unknown request type: "+req.Type)
	}
}
