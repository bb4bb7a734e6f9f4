package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/ironpi/spihub/internal/logging"
)

// MaxFrameLen bounds a single IPC frame. Anything larger is a protocol
// violation and drops the connection.
const MaxFrameLen = 1 << 20

// Sink receives the decoded contents of inbound frames.
type Sink interface {
	// Enqueue routes one message to its device queue. Unknown bus or device
	// ids return an error; the sub-record is dropped.
	Enqueue(msg DeviceMessage) error

	// ServiceRequested is called once after each inbound batch that
	// enqueued at least one message, so the service loop picks up the new
	// work. A batch that enqueued nothing does not call it.
	ServiceRequested()
}

// Observer counts server events. Implementations must be safe for concurrent
// use.
type Observer interface {
	ObserveInboundFrame()
	ObserveEnqueued()
	ObserveSendError()
}

// ServerConfig configures a Server.
type ServerConfig struct {
	SocketPath string
	Sink       Sink
	Observer   Observer // may be nil
	Logger     *logging.Logger
}

// Server accepts local stream connections and exchanges length-prefixed
// frames with them. Each frame travels as a 4-byte little-endian length
// followed by the frame bytes.
type Server struct {
	path     string
	sink     Sink
	observer Observer
	logger   *logging.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu          sync.Mutex
	conns       map[*client]struct{}
	devicesList []byte
	closed      bool
}

type client struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *client) writeFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// NewServer creates a server. Call Listen to bind and start accepting.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default().Named("ipc")
	}
	return &Server{
		path:     config.SocketPath,
		sink:     config.Sink,
		observer: config.Observer,
		logger:   logger,
		conns:    make(map[*client]struct{}),
	}
}

// Listen binds the socket and starts the accept loop. A stale socket file
// from a crashed broker is removed first; clients are unprivileged, so the
// socket is made world-writable.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("listening", "path", s.path)
	return nil
}

// Close stops accepting, closes every client connection and removes the
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	os.Remove(s.path)
	return nil
}

// SetDevicesList caches the bootstrap frame pushed to every new connection.
func (s *Server) SetDevicesList(frame []byte) {
	s.mu.Lock()
	s.devicesList = frame
	s.mu.Unlock()
}

// Broadcast sends a frame to every connected client. Per-client send
// failures are logged and otherwise ignored.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeFrame(frame); err != nil {
			s.logger.Warn("broadcast send failed", "client", c.conn.RemoteAddr(), "error", err)
			if s.observer != nil {
				s.observer.ObserveSendError()
			}
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	c := &client{conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	devicesList := s.devicesList
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		conn.Close()
	}()

	s.logger.Debug("client connected")
	if devicesList != nil {
		if err := c.writeFrame(devicesList); err != nil {
			s.logger.Warn("devices-list send failed", "error", err)
			return
		}
	}

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("client read failed", "error", err)
			}
			return
		}
		s.handleFrame(frame)
	}
}

// handleFrame processes one inbound frame: version and command are checked,
// then each sub-record resolves and enqueues. A structurally malformed
// sub-record aborts the rest of the frame; sub-records already enqueued stay
// enqueued.
func (s *Server) handleFrame(frame []byte) {
	if s.observer != nil {
		s.observer.ObserveInboundFrame()
	}

	msgs, err := DecodeMessagesToDevices(frame)
	if err != nil {
		s.logger.Warn("dropping malformed inbound frame", "error", err, "decoded", len(msgs))
	}
	if s.sink == nil {
		return
	}

	enqueued := false
	for _, m := range msgs {
		if err := s.sink.Enqueue(m); err != nil {
			s.logger.Warn("dropping sub-record", "bus", m.BusID, "device", m.DeviceID, "error", err)
			continue
		}
		enqueued = true
		if s.observer != nil {
			s.observer.ObserveEnqueued()
		}
	}
	if enqueued {
		s.sink.ServiceRequested()
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one length-prefixed frame to w. Client-side helper, also
// used by tests.
func WriteFrame(w io.Writer, frame []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from r. Client-side helper, also
// used by tests.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r)
}
