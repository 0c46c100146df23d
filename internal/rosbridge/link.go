package rosbridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

var (
	ErrClosed       = errors.New("rosbridge link closed")
	ErrWriteFailed  = fmt.Errorf("failed to write to rosbridge link")
	ErrNotConnected = errors.New("rosbridge link not connected")

	ErrMissingPose    = errors.New("pose message has no pose.pose")
	ErrIncompleteGrid = errors.New("occupancy grid has no info or data")
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 2 * time.Second
	// Largest single message accepted from a stream link. Full maps are
	// sent as JSON integer arrays and get big.
	maxStreamMessage = 64 << 20
)

// Link carries whole rosbridge JSON messages in both directions.
// ReadMessage is called from a single goroutine; WriteMessage may be called
// concurrently.
type Link interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// Dialer opens a fresh link. The mux supervisor calls it on every reconnect.
type Dialer func(ctx context.Context) (Link, error)

type websocketLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// DialWebsocket connects to a rosbridge websocket server such as
// ws://robot:9090.
func DialWebsocket(ctx context.Context, url string) (Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxStreamMessage)
	return NewWebsocketLink(conn), nil
}

// NewWebsocketLink wraps an established websocket connection.
func NewWebsocketLink(conn *websocket.Conn) Link {
	return &websocketLink{conn: conn}
}

func (l *websocketLink) ReadMessage() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (l *websocketLink) WriteMessage(b []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	return l.conn.WriteMessage(websocket.TextMessage, b)
}

func (l *websocketLink) Close() error {
	var err error
	l.once.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = l.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

// streamLink frames messages as newline-delimited JSON over a byte stream.
type streamLink struct {
	rwc     io.ReadWriteCloser
	scan    *bufio.Scanner
	writeMu sync.Mutex
}

// NewStreamLink frames rosbridge messages one per line over rwc.
func NewStreamLink(rwc io.ReadWriteCloser) Link {
	scan := bufio.NewScanner(rwc)
	scan.Buffer(make([]byte, 0, 64*1024), maxStreamMessage)
	return &streamLink{rwc: rwc, scan: scan}
}

// OpenSerial opens a serial device carrying newline-delimited rosbridge
// JSON.
func OpenSerial(path string, opts PortOptions) (Link, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewStreamLink(port), nil
}

func (l *streamLink) ReadMessage() ([]byte, error) {
	for l.scan.Scan() {
		line := bytes.TrimSpace(l.scan.Bytes())
		if len(line) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
	if err := l.scan.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (l *streamLink) WriteMessage(b []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, '\n')
	n, err := l.rwc.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return ErrWriteFailed
	}
	return nil
}

func (l *streamLink) Close() error {
	return l.rwc.Close()
}

// replayLink plays back a JSON-lines capture. Outbound messages are
// discarded. Once the capture is exhausted reads block until Close, so a
// supervisor does not replay it in a loop.
type replayLink struct {
	f        *os.File
	scan     *bufio.Scanner
	interval time.Duration
	closed   chan struct{}
	once     sync.Once
	started  bool
}

// OpenReplay opens a capture file of rosbridge messages, one per line,
// delivered interval apart.
func OpenReplay(path string, interval time.Duration) (Link, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 64*1024), maxStreamMessage)
	return &replayLink{f: f, scan: scan, interval: interval, closed: make(chan struct{})}, nil
}

func (l *replayLink) ReadMessage() ([]byte, error) {
	for {
		if l.started && l.interval > 0 {
			select {
			case <-l.closed:
				return nil, ErrClosed
			case <-time.After(l.interval):
			}
		}
		l.started = true
		if !l.scan.Scan() {
			if err := l.scan.Err(); err != nil {
				return nil, err
			}
			<-l.closed
			return nil, ErrClosed
		}
		line := bytes.TrimSpace(l.scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		return bytes.Clone(line), nil
	}
}

func (l *replayLink) WriteMessage([]byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (l *replayLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.f.Close()
	})
	return err
}

// PipeLink is one end of an in-memory link pair.
type PipeLink struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns two connected in-memory links. Closing either end closes
// both.
func NewPipe() (*PipeLink, *PipeLink) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &PipeLink{in: ba, out: ab, closed: closed, once: once},
		&PipeLink{in: ab, out: ba, closed: closed, once: once}
}

func (p *PipeLink) ReadMessage() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *PipeLink) WriteMessage(b []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- bytes.Clone(b):
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *PipeLink) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
