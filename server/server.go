package server

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/DrThorium/ServidorTFTP/internal/log"
	"github.com/DrThorium/ServidorTFTP/internal/validate"
	"github.com/DrThorium/ServidorTFTP/storage"
	"github.com/DrThorium/ServidorTFTP/tftp"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Defaults applied by NewServer.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultRetries      = 5
	DefaultReadTimeout  = 5 * time.Second
	DefaultMaxTransfers = 64
	DefaultSessionTTL   = 2 * time.Minute
)

// Config holds the tunables of a Server.
type Config struct {
	Store        storage.Store `validate:"required"`
	Timeout      time.Duration `validate:"gt=0"`
	Retries      int           `validate:"gte=0"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	MaxTransfers int           `validate:"gt=0"`
	SessionTTL   time.Duration `validate:"gt=0"`
}

// maxIdle is the longest a live transfer waits without hearing from its peer.
func (c Config) maxIdle() time.Duration {
	return c.Timeout * time.Duration(c.Retries+1)
}

// Server struct contains data for serving tftp functionality
type Server struct {
	cfg       Config
	transfers *registry
	limit     *transferLimit
	wg        sync.WaitGroup
}

// Cfg configures a Server.
type Cfg func(*Server) error

// WithStore sets the backend files are read from and written to.
func WithStore(store storage.Store) Cfg {
	return func(s *Server) error {
		s.cfg.Store = store
		return nil
	}
}

// WithTimeout sets how long a transfer waits for each ACK or DATA.
func WithTimeout(d time.Duration) Cfg {
	return func(s *Server) error {
		s.cfg.Timeout = d
		return nil
	}
}

// WithRetries sets how many times a packet is retransmitted before the transfer is aborted.
func WithRetries(n int) Cfg {
	return func(s *Server) error {
		s.cfg.Retries = n
		return nil
	}
}

// WithReadTimeout sets the receive timeout of the listening socket.
func WithReadTimeout(d time.Duration) Cfg {
	return func(s *Server) error {
		s.cfg.ReadTimeout = d
		return nil
	}
}

// WithMaxTransfers sets the number of transfers that may run at once.
func WithMaxTransfers(n int) Cfg {
	return func(s *Server) error {
		s.cfg.MaxTransfers = n
		return nil
	}
}

// WithSessionTTL sets how long an idle transfer stays bound to its client address.
func WithSessionTTL(d time.Duration) Cfg {
	return func(s *Server) error {
		s.cfg.SessionTTL = d
		return nil
	}
}

// NewServer will create an instance of a server to do TFTP things
func NewServer(cfgs ...Cfg) (*Server, error) {
	s := &Server{
		cfg: Config{
			Store:        storage.NewDir(""),
			Timeout:      DefaultTimeout,
			Retries:      DefaultRetries,
			ReadTimeout:  DefaultReadTimeout,
			MaxTransfers: DefaultMaxTransfers,
			SessionTTL:   DefaultSessionTTL,
		},
	}
	for _, cfg := range cfgs {
		if err := cfg(s); err != nil {
			return nil, errors.Wrap(err, "apply Server cfg failed")
		}
	}
	if err := validate.Validate().Struct(s.cfg); err != nil {
		return nil, errors.Wrap(err, "validate Server cfg failed")
	}
	if idle := s.cfg.maxIdle(); s.cfg.SessionTTL <= idle {
		return nil, errors.Errorf("session ttl %s must exceed the %s a transfer may stay idle", s.cfg.SessionTTL, idle)
	}
	s.transfers = newRegistry(s.cfg.SessionTTL)
	s.limit = newTransferLimit(s.cfg.MaxTransfers)
	return s, nil
}

// Active returns the number of transfers in flight.
func (s *Server) Active() int {
	return s.limit.count()
}

// ListenAndServe will start a udp conn and call serve
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s failed", addr)
	}
	conn, err := net.ListenUDP("udp", a)
	if err != nil {
		return errors.Wrapf(err, "listen on %s failed", addr)
	}
	logger.WithField("addr", conn.LocalAddr().String()).Info("TFTP server listening")
	return s.Serve(ctx, conn)
}

// Serve reads requests from conn until ctx is done. It then waits for the
// transfers in flight to stop and closes conn.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()
	go func() {
		<-ctx.Done()
		// wake up the pending read
		_ = conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, tftp.MaxDatagramSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return errors.Wrap(err, "set read deadline failed")
		}
		// a cancellation that raced the deadline above would be overwritten by it
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.WithField("transfers", s.transfers.count()).Trace("listening")
				continue
			}
			return errors.Wrap(err, "failed to read from UDP connection")
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleRequest(ctx, conn, datagram, addr)
	}
}

// handleRequest routes one datagram: to the transfer bound to addr if there
// is one, otherwise it is treated as a new request.
func (s *Server) handleRequest(ctx context.Context, conn net.PacketConn, datagram []byte, addr net.Addr) {
	key := addr.String()
	if t, ok := s.transfers.lookup(key); ok {
		t.deliver(datagram)
		return
	}
	reqLogger := logger.WithField("client", key)
	packet, err := tftp.ParsePacket(datagram)
	if err != nil {
		reqLogger.WithError(err).Warn("failed to parse the request")
		return
	}
	reqLogger = reqLogger.WithFields(log.PacketToFields(packet))
	switch pkt := packet.(type) {
	case *tftp.PacketRequest:
		reply := &udpSender{conn: conn, addr: addr}
		if !supportedMode(pkt.Mode) {
			reqLogger.Warn("unsupported transfer mode")
			reject(reply, tftp.ErrCodeIllegalOp, "unsupported transfer mode", reqLogger)
			return
		}
		if err := s.limit.acquire(); err != nil {
			reqLogger.WithError(err).Warn("rejecting request")
			reject(reply, tftp.ErrCodeNotDefined, "server busy", reqLogger)
			return
		}
		if pkt.Op == tftp.OpWRQ {
			reqLogger.Info("User submitted a write request")
			s.handleWriteReq(ctx, conn, addr, pkt, reqLogger)
		} else {
			reqLogger.Info("User submitted a read request")
			s.handleReadReq(ctx, conn, addr, pkt, reqLogger)
		}
	case *tftp.PacketError:
		reqLogger.Info("received unsolicited error")
	default:
		reqLogger.Warn("received packet outside of a transfer")
	}
}

// handleReadReq opens the requested file and streams it to the client.
// The caller holds a slot of s.limit, which is released when the transfer ends.
func (s *Server) handleReadReq(ctx context.Context, conn net.PacketConn, addr net.Addr, req *tftp.PacketRequest, reqLogger logrus.FieldLogger) {
	r, err := s.cfg.Store.Open(req.Filename)
	if err != nil {
		s.limit.release()
		reqLogger.WithError(errors.Wrapf(ErrFileOpen, "%v", err)).Warn("File does not exist or cannot be read")
		reject(&udpSender{conn: conn, addr: addr}, ErrorCode(err), errorMessage(err, "failed to open the requested file"), reqLogger)
		return
	}
	s.spawn(ctx, conn, addr, req, r, func(t *transfer) (Stats, error) {
		return t.runRead(r)
	})
}

// handleWriteReq creates the requested file and receives it from the client.
// The caller holds a slot of s.limit, which is released when the transfer ends.
func (s *Server) handleWriteReq(ctx context.Context, conn net.PacketConn, addr net.Addr, req *tftp.PacketRequest, reqLogger logrus.FieldLogger) {
	w, err := s.cfg.Store.Create(req.Filename)
	if err != nil {
		s.limit.release()
		reqLogger.WithError(errors.Wrapf(ErrFileOpen, "%v", err)).Warn("File cannot be created")
		reject(&udpSender{conn: conn, addr: addr}, ErrorCode(err), errorMessage(err, "failed to create the requested file"), reqLogger)
		return
	}
	s.spawn(ctx, conn, addr, req, w, func(t *transfer) (Stats, error) {
		return t.runWrite(w)
	})
}

// spawn binds a new transfer to addr and runs it in its own goroutine. The
// transfer owns file and closes it when done. If addr is already bound the
// request is rejected and file is closed at once.
func (s *Server) spawn(ctx context.Context, conn net.PacketConn, addr net.Addr, req *tftp.PacketRequest, file io.Closer, run func(*transfer) (Stats, error)) {
	key := addr.String()
	t := newTransfer(newPeerConn(ctx, conn, addr), s.cfg.Timeout, s.cfg.Retries, logrus.Fields{
		"client":   key,
		"opcode":   req.Op.String(),
		"filename": req.Filename,
		"mode":     req.Mode,
	})
	if !s.transfers.claim(key, t) {
		s.limit.release()
		if err := file.Close(); err != nil {
			t.logger.WithError(err).Error("close file failed")
		}
		t.logger.Error("client address already has a transfer")
		reject(&udpSender{conn: conn, addr: addr}, tftp.ErrCodeNotDefined, "transfer already in progress", t.logger)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limit.release()
		defer s.transfers.release(key, t)

		t.logger.Info("transfer started")
		stats, err := run(t)
		if cerr := file.Close(); cerr != nil {
			t.logger.WithError(cerr).Error("close file failed")
		}
		if err != nil {
			t.logger.WithFields(stats.fields()).WithError(err).Error("transfer aborted")
			return
		}
		t.logger.WithFields(stats.fields()).Info("transfer complete")
	}()
}

func reject(conn Sender, code uint16, msg string, reqLogger logrus.FieldLogger) {
	if err := CreateAndSendErrorPacket(conn, code, msg); err != nil {
		reqLogger.WithError(err).Error("send error packet failed")
	}
}

// supportedMode reports whether mode is one the server transfers. netascii
// files are sent byte for byte, like octet.
func supportedMode(mode string) bool {
	switch strings.ToLower(mode) {
	case "octet", "netascii":
		return true
	default:
		return false
	}
}
