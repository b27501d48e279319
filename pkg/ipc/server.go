package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonderland/bridge/internal/config"
	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/limbo"
	"github.com/wonderland/bridge/pkg/packet"
	"github.com/wonderland/bridge/pkg/types"
)

const (
	// DefaultSocketMode is applied to the listening socket file
	DefaultSocketMode os.FileMode = 0o660

	maxAcceptDelay = time.Second
)

// ServerConfig contains the settings a Server runs with
type ServerConfig struct {
	SocketPath       string
	WonderlandID     string
	SocketMode       os.FileMode
	MaxMessageSize   int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxConnections   int
	QueueSize        int
	// AcceptUnknown admits peers the ledger has no entry for
	AcceptUnknown bool
}

// NewServerConfig derives server settings from the application config
func NewServerConfig(cfg *config.Config) ServerConfig {
	return ServerConfig{
		SocketPath:       cfg.Wonderland.SocketPath(),
		WonderlandID:     cfg.Wonderland.WonderlandID,
		SocketMode:       DefaultSocketMode,
		MaxMessageSize:   cfg.IPC.MaxMessageSize,
		ReadTimeout:      cfg.IPC.ReadTimeout,
		WriteTimeout:     cfg.IPC.WriteTimeout,
		HandshakeTimeout: cfg.IPC.HandshakeTimeout,
		MaxConnections:   cfg.IPC.MaxConnections,
		QueueSize:        cfg.IPC.QueueSize,
		AcceptUnknown:    cfg.Admission.DefaultPolicy != config.PolicyDeny,
	}
}

// Option configures a Server
type Option func(*Server)

// WithService routes observer commands to an in-process service instead
// of an attached service connection
func WithService(svc Service) Option {
	return func(s *Server) {
		s.service = svc
	}
}

// WithAuditLogger records every admission and ledger decision
func WithAuditLogger(al *limbo.AuditLogger) Option {
	return func(s *Server) {
		s.audit = al
	}
}

// ServerStats represents server statistics
type ServerStats struct {
	SocketPath      string `json:"socket_path"`
	Initialized     bool   `json:"initialized"`
	Connections     int    `json:"connections"`
	Observers       int    `json:"observers"`
	ServiceAttached bool   `json:"service_attached"`
	Admitted        uint64 `json:"admitted"`
	Denied          uint64 `json:"denied"`
	Published       uint64 `json:"published"`
	Delivered       uint64 `json:"delivered"`
	Failed          uint64 `json:"failed"`
	Withdrawn       uint64 `json:"withdrawn"`
	QueueDepth      int    `json:"queue_depth"`
}

// String returns a string representation of the stats
func (s ServerStats) String() string {
	return fmt.Sprintf("ServerStats{Observers: %d, Published: %d, Delivered: %d, Failed: %d, QueueDepth: %d, ServiceAttached: %v}",
		s.Observers, s.Published, s.Delivered, s.Failed, s.QueueDepth, s.ServiceAttached)
}

// Server owns the listening socket and the shared registry, queue and
// ledger. One acceptor goroutine admits connections, each connection gets
// its own goroutine, and a dispatcher drains the broadcast queue.
type Server struct {
	cfg      ServerConfig
	logger   *logger.Logger
	ledger   *limbo.Ledger
	audit    *limbo.AuditLogger
	registry *Registry
	queue    *BroadcastQueue
	service  Service

	mu       sync.Mutex
	listener net.Listener
	link     *RabbitHole
	conns    map[net.Conn]struct{}
	started  bool
	closed   bool

	initialized atomic.Bool
	readyOnce   sync.Once
	ready       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	admitted  atomic.Uint64
	denied    atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a server. A nil ledger starts empty.
func New(cfg ServerConfig, ledger *limbo.Ledger, log *logger.Logger, opts ...Option) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}
	if cfg.WonderlandID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "wonderland id cannot be empty")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if ledger == nil {
		ledger = limbo.NewLedger()
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = DefaultSocketMode
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   log.With("component", "ipc_server", "socket_path", cfg.SocketPath),
		ledger:   ledger,
		registry: NewRegistry(),
		queue:    NewBroadcastQueue(cfg.QueueSize),
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start binds the socket and launches the acceptor and dispatcher. A bind
// failure is the only fatal error a server reports.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already started")
	}
	s.started = true
	s.mu.Unlock()

	listener, err := listenUnix(s.cfg.SocketPath, s.cfg.SocketMode)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptConnections(listener)
	go s.dispatch()

	s.Initialized()

	s.logger.Info("IPC server listening",
		"wonderland_id", s.cfg.WonderlandID,
		"max_connections", s.cfg.MaxConnections,
		"read_timeout", s.cfg.ReadTimeout.String(),
		"accept_unknown", s.cfg.AcceptUnknown)

	return nil
}

// Initialized marks the server ready. The flag never goes back.
func (s *Server) Initialized() {
	s.readyOnce.Do(func() {
		s.initialized.Store(true)
		close(s.ready)
	})
}

// IsServerInitialized reports whether the server has started listening
func (s *Server) IsServerInitialized() bool {
	return s.initialized.Load()
}

// Ready is closed once the server is initialized
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Publish queues an event for every observer
func (s *Server) Publish(e *packet.Event) error {
	return s.queue.Publish(e)
}

// Withdraw removes a queued event that has not been dispatched yet
func (s *Server) Withdraw(e *packet.Event) bool {
	return s.queue.Withdraw(e)
}

// Ledger returns the admission ledger
func (s *Server) Ledger() *limbo.Ledger {
	return s.ledger
}

// Registry returns the observer registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Disconnect closes the observer with the given comm id
func (s *Server) Disconnect(commID uint64) error {
	hole, ok := s.registry.Get(commID)
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("no observer with comm id %d", commID))
	}
	s.dropObserver(hole, "disconnected by service")
	return nil
}

func (s *Server) acceptConnections(listener net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Error("Failed to accept connection", "error", err, "retry_in", delay.String())
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.track(conn) {
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// track records conn, refusing it over the connection limit or after Close
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	count := len(s.conns)
	if s.cfg.MaxConnections > 0 && count >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.logger.Warn("Connection limit reached, rejecting connection",
			"current_count", count,
			"max_connections", s.cfg.MaxConnections)
		_ = WriteMessage(conn, packet.ErrorPacket(
			types.NewError(types.ErrCodeResourceExhausted, "connection limit reached")), s.cfg.WriteTimeout)
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// handleConnection runs the handshake and hands the connection to its role
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	body, err := ReadMessage(conn, s.cfg.MaxMessageSize, s.cfg.HandshakeTimeout)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeMalformedPacket) {
			_ = WriteMessage(conn, packet.ErrorPacket(err), s.cfg.WriteTimeout)
		}
		s.logger.Debug("Handshake failed", "error", err)
		return
	}

	pkt, err := packet.Decode(body, handshakeTable)
	if err != nil {
		_ = WriteMessage(conn, packet.ErrorPacket(err), s.cfg.WriteTimeout)
		s.logger.Debug("Handshake rejected", "error", err)
		return
	}

	cred, err := peerCredentials(conn)
	if err != nil {
		s.logger.Debug("Peer credentials unavailable", "error", err)
	}

	switch pkt.Op {
	case packet.OpHello:
		s.serveObserver(conn, cred, pkt)
	case packet.OpAttach:
		s.serveService(conn, cred, pkt)
	}
}

func (s *Server) serveObserver(conn net.Conn, cred *PeerCred, hello packet.Packet) {
	peer, err := limbo.ParsePeer(hello.Field(0), hello.Field(1))
	if err != nil {
		_ = WriteMessage(conn, packet.ErrorPacket(err), s.cfg.WriteTimeout)
		return
	}

	decision := s.ledger.Resolve(peer)
	if !decision.Allowed(s.cfg.AcceptUnknown) {
		reason := decision.Reason
		if reason == "" {
			reason = "unknown peers are not admitted"
		}
		s.denied.Add(1)
		s.auditAdmission(peer, decision, false, "", cred)
		s.logger.Info("Observer denied", "peer", peer.String(), "reason", reason, "cred", cred.String())

		denial := packet.MustCompile(packet.OpError, types.ErrCodeAdmissionDenied, packet.Sanitize(reason))
		_ = WriteMessage(conn, denial, s.cfg.WriteTimeout)
		return
	}

	hole := newRabbitHole(conn, peer, cred, s.cfg.WriteTimeout)
	id, err := s.registry.Register(hole)
	if err != nil {
		s.logger.Error("Comm id invariant violated", "peer", peer.String(), "error", err)
		_ = WriteMessage(conn, packet.ErrorPacket(err), s.cfg.WriteTimeout)
		return
	}
	defer s.dropObserver(hole, "connection ended")

	if err := hole.Send(packet.MustCompile(packet.OpWelcome, hole.CommPath())); err != nil {
		s.logger.Debug("Failed to welcome observer", "comm_id", id, "error", err)
		return
	}
	if !hole.activate() {
		return
	}

	s.admitted.Add(1)
	s.auditAdmission(peer, decision, true, hole.CommPath(), cred)
	s.logger.Info("Observer admitted", "comm_id", id, "peer", peer.String(), "cred", cred.String())

	s.observerLoop(hole)
}

func (s *Server) observerLoop(hole *RabbitHole) {
	for {
		body, err := ReadMessage(hole.conn, s.cfg.MaxMessageSize, s.cfg.ReadTimeout)
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeMalformedPacket) {
				if hole.Send(packet.ErrorPacket(err)) != nil {
					return
				}
				continue
			}
			s.logConnEnd("Observer", hole.ID(), err)
			return
		}

		pkt, err := packet.Decode(body, observerTable)
		if err != nil {
			if hole.Send(packet.ErrorPacket(err)) != nil {
				return
			}
			continue
		}

		if err := hole.Send(s.handleObserverPacket(s.ctx, hole, pkt)); err != nil {
			s.logConnEnd("Observer", hole.ID(), err)
			return
		}
	}
}

// dropObserver removes hole from the registry and closes it. Safe to call
// from several goroutines for the same hole.
func (s *Server) dropObserver(hole *RabbitHole, why string) {
	if s.registry.Remove(hole.ID()) != nil {
		s.logger.Debug("Observer closed", "comm_id", hole.ID(), "reason", why)
	}
	_ = hole.Close()
}

func (s *Server) serveService(conn net.Conn, cred *PeerCred, attach packet.Packet) {
	if attach.Field(0) != s.cfg.WonderlandID {
		_ = WriteMessage(conn, packet.ErrorPacket(
			types.NewError(types.ErrCodeInvalidArgument, "unknown wonderland id: "+attach.Field(0))), s.cfg.WriteTimeout)
		return
	}

	link := newRabbitHole(conn, limbo.Peer{}, cred, s.cfg.WriteTimeout)
	link.setState(StateActive)

	s.mu.Lock()
	if s.link != nil {
		s.mu.Unlock()
		_ = WriteMessage(conn, packet.ErrorPacket(
			types.NewError(types.ErrCodeFailedPrecondition, "a service is already attached")), s.cfg.WriteTimeout)
		return
	}
	s.link = link
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.link == link {
			s.link = nil
		}
		s.mu.Unlock()
		_ = link.Close()
		s.logger.Info("Service detached")
	}()

	if err := link.Send(packet.MustCompile(packet.OpWelcome, s.cfg.WonderlandID)); err != nil {
		return
	}
	s.logger.Info("Service attached", "cred", cred.String())

	s.serviceLoop(link)
}

// serviceLoop reads the service connection and answers every packet
// through ResponseHandler
func (s *Server) serviceLoop(link *RabbitHole) {
	for {
		body, err := ReadMessage(link.conn, s.cfg.MaxMessageSize, s.cfg.ReadTimeout)
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeMalformedPacket) {
				if link.Send(packet.ErrorPacket(err)) != nil {
					return
				}
				continue
			}
			s.logConnEnd("Service", 0, err)
			return
		}

		var reply []byte
		pkt, err := packet.Decode(body, serviceTable)
		if err != nil {
			reply = packet.ErrorPacket(err)
		} else {
			reply = s.ResponseHandler(s.ctx, pkt)
		}

		if err := link.Send(reply); err != nil {
			s.logConnEnd("Service", 0, err)
			return
		}
	}
}

func (s *Server) serviceLink() *RabbitHole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// dispatch drains the broadcast queue until the server closes
func (s *Server) dispatch() {
	defer s.wg.Done()

	for {
		e, err := s.queue.Next(s.ctx)
		if err != nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.deliver(e)
	}
}

// deliver writes one event to every active observer. A failed write
// closes that observer only.
func (s *Server) deliver(e *packet.Event) {
	body := e.Compile()
	for _, hole := range s.registry.Active() {
		if err := hole.Send(body); err != nil {
			s.failed.Add(1)
			s.logger.Warn("Broadcast delivery failed",
				"comm_id", hole.ID(),
				"event", e.Op().String(),
				"error", err)
			s.dropObserver(hole, "delivery failed")
			continue
		}
		s.delivered.Add(1)
	}
}

func (s *Server) logConnEnd(role string, id uint64, err error) {
	switch {
	case types.IsErrCode(err, types.ErrCodeTimeout):
		s.logger.Debug(role+" idle timeout", "comm_id", id)
	case isExpectedClose(err):
		s.logger.Debug(role+" disconnected", "comm_id", id)
	default:
		s.logger.Warn(role+" connection error", "comm_id", id, "error", err)
	}
}

func (s *Server) auditAdmission(peer limbo.Peer, d limbo.Decision, admitted bool, commID string, cred *PeerCred) {
	if s.audit == nil {
		return
	}
	var pid int32
	if cred != nil {
		pid = cred.PID
	}
	if err := s.audit.LogAdmission(peer, d, admitted, commID, pid); err != nil {
		s.logger.Warn("Failed to audit admission", "peer", peer.String(), "error", err)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns server statistics
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	conns := len(s.conns)
	attached := s.link != nil
	s.mu.Unlock()

	q := s.queue.Stats()
	return ServerStats{
		SocketPath:      s.cfg.SocketPath,
		Initialized:     s.IsServerInitialized(),
		Connections:     conns,
		Observers:       len(s.registry.Active()),
		ServiceAttached: attached,
		Admitted:        s.admitted.Load(),
		Denied:          s.denied.Load(),
		Published:       q.Published,
		Delivered:       s.delivered.Load(),
		Failed:          s.failed.Load(),
		Withdrawn:       q.Withdrawn,
		QueueDepth:      q.Depth,
	}
}

// Close stops accepting, closes every connection and removes the socket file
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already closed")
	}
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	s.queue.Close()

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("Failed to close listener", "error", err)
		}
	}

	s.registry.CloseAll()
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()

	if listener != nil {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "error", err)
		}
	}

	s.logger.Info("IPC server closed", "pending_events", s.queue.Len())
	return nil
}

// String returns a string representation of the server
func (s *Server) String() string {
	return fmt.Sprintf("Server{Path: %s, %s}", s.cfg.SocketPath, s.Stats())
}
