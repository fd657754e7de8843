package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpIdleTimeout is how long a connection may sit idle between messages.
	mllpIdleTimeout = 60 * time.Second

	mllpWriteTimeout = 10 * time.Second
)

// MLLPServer listens for HL7v2 messages over MLLP/TCP and hands each one to
// an Application. Messages on one connection are processed in order; separate
// connections are processed concurrently.
type MLLPServer struct {
	addr     string
	app      Application
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	// ctx is the parent of every dispatch. Shutdown cancels it once the
	// drain deadline passes.
	ctx    context.Context
	cancel context.CancelFunc

	idleTimeout time.Duration
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch parsed messages to app.
func NewMLLPServer(addr string, app Application, logger zerolog.Logger) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		ctx:         ctx,
		cancel:      cancel,
		addr:        addr,
		app:         app,
		logger:      logger.With().Str("component", "mllp").Logger(),
		conns:       make(map[net.Conn]struct{}),
		done:        make(chan struct{}),
		idleTimeout: mllpIdleTimeout,
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")
	return nil
}

// Stop shuts the server down without a drain deadline.
func (s *MLLPServer) Stop() error {
	return s.Shutdown(context.Background())
}

// Shutdown stops accepting connections and lets messages already being
// handled finish and be answered. When ctx expires first, in-flight
// deliveries are cancelled, every connection is closed and ctx.Err() is
// returned.
func (s *MLLPServer) Shutdown(ctx context.Context) error {
	defer s.cancel()
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	// Wake connections blocked waiting for their next message.
	s.mu.Lock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return err
	case <-ctx.Done():
	}

	s.cancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	<-drained
	return ctx.Err()
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn and answers each one
// before reading the next.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		// Checked after the deadline is set so a concurrent Shutdown
		// cannot have its wake-up overwritten.
		if s.stopping() {
			return
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				if !s.processMessage(conn, msgBytes, log) {
					return
				}
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 && !s.stopping() {
				// Keep reading to finish the partial message.
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// processMessage parses one message, dispatches it, and writes the reply.
// It reports false when the connection should be closed.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte, log zerolog.Logger) bool {
	msg, err := Parse(raw)
	if err != nil {
		hdr, herr := ParseHeader(raw)
		if herr != nil {
			// Without a readable MSH there is no control ID to acknowledge.
			log.Warn().Err(err).Msg("dropping unparseable message")
			return true
		}
		log.Warn().Err(err).Str("control_id", hdr.ControlID).Msg("rejecting unparseable message")
		return s.writeReply(conn, GenerateACK(hdr, AckReject, parseErrorCode(err), err.Error()), hdr.ControlID, log)
	}

	meta := Metadata{
		MetaRemoteAddr: conn.RemoteAddr().String(),
		MetaReceivedAt: time.Now().UTC(),
		MetaTransport:  "mllp",
	}

	reply, err := Dispatch(s.ctx, s.app, msg, meta)
	if err != nil {
		// MLLP has no status channel, so an escalated failure is reported
		// as an application reject.
		log.Error().Err(err).
			Str("control_id", msg.ControlID).
			Str("message_type", msg.Type).
			Msg("message handling failed, sending reject")
		reply = RejectFor(msg, err)
	}

	return s.writeReply(conn, reply, msg.ControlID, log)
}

func (s *MLLPServer) writeReply(conn net.Conn, reply *Message, controlID string, log zerolog.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(Encode(reply))); err != nil {
		log.Error().Err(err).Str("control_id", controlID).Msg("write failed")
		return false
	}
	return true
}

// parseErrorCode maps a Parse failure to its HL7 table 0357 condition.
func parseErrorCode(err error) string {
	if errors.Is(err, ErrMissingMessageType) {
		return ErrCodeRequiredFieldMissing
	}
	return ErrCodeSegmentSequence
}

// SendMLLP dials addr, sends one framed message and waits for the framed
// reply. The context deadline, if any, bounds the whole exchange.
func SendMLLP(ctx context.Context, addr string, raw []byte) ([]byte, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(FrameMessage(raw)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	var buf []byte
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		buf = append(buf, readBuf[:n]...)
		if reply, _, found := UnframeMessage(buf); found {
			return reply, nil
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read reply: %w", err)
		}
		if len(buf) > mllpMaxMessageSize {
			return nil, fmt.Errorf("mllp: reply exceeds %d bytes", mllpMaxMessageSize)
		}
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}
