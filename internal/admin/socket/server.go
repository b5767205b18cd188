// Package socket is the administrative endpoint of the content repository: a framed protobuf protocol over
// TCP or a unix socket.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"contentrepo/internal/command"
	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/streamname"
	"contentrepo/internal/subscription"
	"contentrepo/internal/workspace"
)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
	Logger                                      *slog.Logger
}

type Server struct {
	cfg     Config
	service Service
	logger  *slog.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	wg      sync.WaitGroup

	// mu orders enqueueing against Close so no request is sent on a closed queue.
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *AdminRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *AdminResponse
	inflight chan struct{}
}

func NewServer(cfg Config, service Service) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 1024
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		service: service,
		logger:  cfg.Logger.With("component", "admin-socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, streamname.PartitionCount),
		conns:   map[net.Conn]struct{}{},
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 64)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("admin socket listening", "network", s.cfg.Network, "addr", ln.Addr().String())

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	for _, q := range s.partQ {
		close(q)
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.mu.Unlock()

	conn := &connection{c: raw, writerQ: make(chan *AdminResponse, 64), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer s.forget(raw)
		defer close(conn.writerQ)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) forget(raw net.Conn) {
	s.mu.Lock()
	delete(s.conns, raw)
	s.mu.Unlock()
	_ = raw.Close()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	var pending sync.WaitGroup
	defer pending.Wait()
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &AdminResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "admin queue overloaded"})
			continue
		}

		pending.Add(1)
		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight(); pending.Done() }}
		if !s.enqueue(qr) {
			qr.release()
			s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "worker queue overloaded"})
		}
	}
}

func (s *Server) enqueue(qr queuedRequest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.partQ[partitionFor(qr.req)] <- qr:
		return true
	default:
		return false
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		s.send(req.conn, res)
		req.release()
	}
}

func (s *Server) send(conn *connection, res *AdminResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

// partitionFor keeps requests for one workspace in order. Everything that touches the whole repository shares
// partition 0.
func partitionFor(req *AdminRequest) int {
	switch {
	case req.Command != nil && req.Command.WorkspaceName != "":
		return streamname.Partition(req.Command.WorkspaceName)
	case req.Workspace != nil && req.Workspace.Name != "":
		return streamname.Partition(req.Workspace.Name)
	}
	return 0
}

func (s *Server) handleRequest(ctx context.Context, req *AdminRequest) *AdminResponse {
	res := &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.service.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationCatchUp:
		q := req.Subscriptions
		if q == nil {
			q = &SubscriptionQuery{}
		}
		err := s.service.CatchUp(ctx, criteria(q), q.Boot)
		var hadErrors *subscription.CatchUpHadErrors
		if errors.As(err, &hadErrors) {
			for _, id := range hadErrors.FailedSubscriptions() {
				res.FailedSubscriptions = append(res.FailedSubscriptions, string(id))
			}
			return res
		}
		if err != nil {
			return s.fail(res, err)
		}
	case OperationListSubscriptions:
		subs, err := s.service.Subscriptions(ctx, criteria(req.Subscriptions))
		if err != nil {
			return s.fail(res, err)
		}
		for _, sub := range subs {
			res.Subscriptions = append(res.Subscriptions, toSubscriptionInfo(sub))
		}
	case OperationResetSubscriptions:
		if err := s.service.ResetSubscriptions(ctx, criteria(req.Subscriptions)); err != nil {
			return s.fail(res, err)
		}
	case OperationGetWorkspace:
		if req.Workspace == nil || req.Workspace.Name == "" {
			return badReq(req, "workspace name required")
		}
		w, found, err := s.service.Workspace(ctx, domain.WorkspaceName(req.Workspace.Name))
		if err != nil {
			return s.fail(res, err)
		}
		if !found {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeNotFound), fmt.Sprintf("workspace %s not found", req.Workspace.Name)
			return res
		}
		res.Workspace = toWorkspaceInfo(w)
	case OperationListContentStreams:
		streams, err := s.service.ContentStreams(ctx)
		if err != nil {
			return s.fail(res, err)
		}
		for _, cs := range streams {
			res.ContentStreams = append(res.ContentStreams, toContentStreamInfo(cs))
		}
	case OperationPrune:
		mode := PruneModeTombstone
		if req.Prune != nil {
			mode = PruneMode(req.Prune.Mode)
		}
		ids, err := s.service.Prune(ctx, mode)
		for _, id := range ids {
			res.Pruned = append(res.Pruned, string(id))
		}
		if err != nil {
			return s.fail(res, err)
		}
	case OperationCommand:
		if req.Command == nil || req.Command.CommandType == "" {
			return badReq(req, "command required")
		}
		cmd, err := command.Decode(req.Command.CommandType, req.Command.Payload)
		if err != nil {
			return badReq(req, err.Error())
		}
		if err := s.service.Handle(ctx, cmd); err != nil {
			return s.fail(res, err)
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) fail(res *AdminResponse, err error) *AdminResponse {
	res.ErrorCode, res.ErrorMessage = int32(codeFor(err)), err.Error()
	if ErrorCode(res.ErrorCode) == ErrorCodeInternal {
		s.logger.Error("admin request failed", "request_id", res.RequestId, "err", err)
	}
	return res
}

func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, command.ErrWorkspaceNotFound), errors.Is(err, subscription.ErrNotFound):
		return ErrorCodeNotFound
	case command.Rejected(err):
		return ErrorCodeRejected
	case errors.Is(err, subscription.ErrAlreadyProcessing):
		return ErrorCodeBusy
	default:
		return ErrorCodeInternal
	}
}

func badReq(req *AdminRequest, msg string) *AdminResponse {
	return &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func criteria(q *SubscriptionQuery) subscription.Criteria {
	var c subscription.Criteria
	if q == nil {
		return c
	}
	for _, id := range q.Ids {
		c.IDs = append(c.IDs, domain.SubscriptionID(id))
	}
	c.Groups = q.Groups
	return c
}

func toSubscriptionInfo(s subscription.Subscription) *SubscriptionInfo {
	out := &SubscriptionInfo{Id: string(s.ID), Group: s.Group, Status: string(s.Status), Position: int64(s.Position)}
	if s.Error != nil {
		out.ErrorMessage = s.Error.Message
	}
	return out
}

func toWorkspaceInfo(w workspace.Workspace) *WorkspaceInfo {
	return &WorkspaceInfo{Name: string(w.Name), BaseName: string(w.BaseName), ContentStreamId: string(w.ContentStreamID), Status: string(w.Status), CountOfPublishableChanges: int64(w.CountOfPublishableChanges)}
}

func toContentStreamInfo(cs contentstream.ContentStream) *ContentStreamInfo {
	return &ContentStreamInfo{Id: string(cs.ID), SourceId: string(cs.SourceID), SourceVersion: int64(cs.SourceVersion), Version: int64(cs.Version), Status: string(cs.Status), Closed: cs.Closed, Removed: cs.Removed}
}

func DialAndRequest(ctx context.Context, network, address string, req *AdminRequest) (*AdminResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool {
	c := ErrorCode(code)
	return c == ErrorCodeOverloaded || c == ErrorCodeBusy
}
