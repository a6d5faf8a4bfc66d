package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	gosync "sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/testground/sync-client/logging"
)

// Server exposes a DefaultService over TCP, speaking newline-delimited JSON
// frames as defined by the wire types in this package.
type Server struct {
	service *DefaultService
	l       net.Listener
	log     *zap.SugaredLogger

	wg gosync.WaitGroup

	mu     gosync.Mutex
	closed bool
	conns  map[*connection]struct{}
}

// NewServer creates a Server listening on addr (e.g. ":5050", or ":0" for
// an ephemeral port).
func NewServer(service *DefaultService, addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		service: service,
		l:       l,
		log:     logging.S(),
		conns:   map[*connection]struct{}{},
	}, nil
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		c := newConnection(conn, s.service, s.log)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run()

			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.l.Addr().String()
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

// Close stops accepting connections, drops every open connection and waits
// for the handlers to finish.
func (s *Server) Close() error {
	var result *multierror.Error

	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if err := s.l.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, c := range conns {
		c.drop()
	}
	s.wg.Wait()

	return result.ErrorOrNil()
}

// connection handles one client. All writes go through outCh so responses
// and topic events are serialized on the wire in the order they were
// produced.
type connection struct {
	conn    net.Conn
	service *DefaultService
	log     *zap.SugaredLogger

	outCh chan interface{}

	mu     gosync.Mutex
	closed bool

	// subscriptions opened by this connection, keyed by the id of their
	// subscribe request.
	subs map[string]*TopicSub
}

func newConnection(conn net.Conn, service *DefaultService, log *zap.SugaredLogger) *connection {
	return &connection{
		conn:    conn,
		service: service,
		log:     log.With("remote", conn.RemoteAddr().String()),
		outCh:   make(chan interface{}, 1024),
		subs:    map[string]*TopicSub{},
	}
}

func (c *connection) run() {
	go c.writeLoop()

	err := c.readLoop()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debugw("connection closed", "error", err)
	}

	for _, sub := range c.subs {
		c.service.Unsubscribe(sub)
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.outCh)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
}

func (c *connection) readLoop() error {
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadBytes('\n')
		if frame := bytes.TrimSpace(line); len(frame) > 0 {
			c.handle(frame)
		}
		if err != nil {
			return err
		}
	}
}

func (c *connection) writeLoop() {
	w := bufio.NewWriter(c.conn)
	for v := range c.outCh {
		data, err := json.Marshal(v)
		if err != nil {
			c.log.Warnw("failed to serialize frame", "error", err)
			continue
		}
		if _, err = w.Write(data); err == nil {
			if err = w.WriteByte('\n'); err == nil {
				err = w.Flush()
			}
		}
		if err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (c *connection) handle(frame []byte) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		c.log.Warnw("dropping malformed request", "error", err)
		return
	}

	switch {
	case req.IsCancel:
		if sub, ok := c.subs[req.ID]; ok {
			c.service.Unsubscribe(sub)
			delete(c.subs, req.ID)
		}

	case req.PublishRequest != nil:
		seq := c.service.Publish(req.PublishRequest.Topic, req.PublishRequest.Payload)
		c.enqueue(&Response{ID: req.ID, Result: json.RawMessage(strconv.FormatUint(seq, 10))})

	case req.SubscribeRequest != nil:
		// Ack first; the replayed events are enqueued behind it so the
		// client observes the response before any event.
		c.enqueue(&Response{ID: req.ID, Result: json.RawMessage(`"ok"`)})
		c.subs[req.ID] = c.service.Subscribe(req.SubscribeRequest.Topic, func(ev *TopicEvent) bool {
			return c.enqueue(ev)
		})

	default:
		c.log.Warnw("dropping request with no operation", "id", req.ID)
		if req.ID != "" {
			c.enqueue(&Response{ID: req.ID, Error: "malformed request: no operation"})
		}
	}
}

// enqueue queues a frame for delivery, returning false once the connection
// is gone. A subscriber that stops draining its connection is dropped
// rather than allowed to stall publishers.
func (c *connection) enqueue(v interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.outCh <- v:
		return true
	default:
		c.log.Warnw("connection not draining; dropping it")
		c.closed = true
		close(c.outCh)
		_ = c.conn.Close()
		return false
	}
}

// drop forcefully closes the connection from the server side.
func (c *connection) drop() {
	_ = c.conn.Close()
}
