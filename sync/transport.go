package sync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	gosync "sync"

	"go.uber.org/zap"
)

// transport owns the single TCP connection to the sync service. Frames are
// JSON documents delimited by newlines. Writes are serialized by a mutex; a
// reader goroutine turns inbound lines into a channel of raw frames, which
// is closed when the connection drops. There is no reconnection: a dropped
// connection is terminal for the transport.
type transport struct {
	conn net.Conn
	log  *zap.SugaredLogger

	wmu gosync.Mutex
	bw  *bufio.Writer

	framesCh chan json.RawMessage

	closeOnce gosync.Once
	closeErr  error
}

func dialTransport(ctx context.Context, addr string, log *zap.SugaredLogger) (*transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	t := &transport{
		conn:     conn,
		log:      log.With("remote", conn.RemoteAddr().String()),
		bw:       bufio.NewWriter(conn),
		framesCh: make(chan json.RawMessage, 32),
	}

	go t.readLoop()

	return t, nil
}

// frames returns the channel of inbound frames. It is closed when the
// connection is gone; no more frames will ever arrive after that.
func (t *transport) frames() <-chan json.RawMessage {
	return t.framesCh
}

func (t *transport) readLoop() {
	defer close(t.framesCh)

	r := bufio.NewReader(t.conn)
	for {
		line, err := r.ReadBytes('\n')
		if frame := bytes.TrimSpace(line); len(frame) > 0 {
			cp := make(json.RawMessage, len(frame))
			copy(cp, frame)
			t.framesCh <- cp
		}
		if err != nil {
			t.log.Debugw("sync service connection read loop exiting", "error", err)
			return
		}
	}
}

// writeFrame serializes v and writes it as a single newline-delimited frame.
func (t *transport) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err = t.bw.Write(data); err == nil {
		if err = t.bw.WriteByte('\n'); err == nil {
			err = t.bw.Flush()
		}
	}
	if err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// close tears down the connection, which also terminates the read loop.
func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
