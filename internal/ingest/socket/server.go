package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gateway/internal/convert"
	"gateway/internal/domain"
	"gateway/internal/hashroute"
	"gateway/internal/storage"
)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	Partitions                                  int
	MaxFrameSize                                int
	TLSConfig                                   *tls.Config
}

// Server accepts framed protobuf requests from field devices and puts their
// messages into the queue. Requests of one device are handled by one partition
// worker, so its messages are queued in arrival order.
type Server struct {
	cfg       Config
	producer  storage.Producer
	converter convert.Converter
	log       *zap.Logger

	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	accepted atomic.Uint64
	rejected atomic.Uint64
	invalid  atomic.Uint64
}

type queuedRequest struct {
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	gone     chan struct{}
}

func NewServer(cfg Config, producer storage.Producer, converter convert.Converter, log *zap.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = hashroute.DefaultPartitions
	}
	s := &Server{
		cfg:       cfg,
		producer:  producer,
		converter: converter,
		log:       log.Named("socket"),
		globalQ:   make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:     make([]chan queuedRequest, cfg.Partitions),
		done:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
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
	s.log.Info("socket ingest listening", zap.String("network", s.cfg.Network), zap.String("addr", ln.Addr().String()))

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
		s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(raw net.Conn) {
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.connMu.Unlock()

	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight), gone: make(chan struct{})}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer s.forget(raw)
		defer close(conn.gone)
		s.readLoop(conn)
	}()
}

func (s *Server) forget(raw net.Conn) {
	s.connMu.Lock()
	delete(s.conns, raw)
	s.connMu.Unlock()
	_ = raw.Close()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		var res *SocketResponse
		select {
		case res = <-conn.writerQ:
		case <-conn.gone:
			return
		}
		payload, err := MarshalMessage(res)
		if err != nil {
			s.log.Error("marshal response failed", zap.Error(err))
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

func (s *Server) readLoop(conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrameLimit(r, s.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrEmptyFrame) {
				s.log.Warn("closing connection on bad frame", zap.String("remote", conn.c.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "adapter queue overloaded"))
			continue
		}

		qr := queuedRequest{req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[s.partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, overloaded(req, "partition queue overloaded"))
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-q:
			res := s.handleRequest(req.req)
			req.release()
			s.send(req.conn, res)
		}
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func (s *Server) partitionFor(req *SocketRequest) int {
	switch {
	case req.Put != nil && req.Put.Message != nil:
		return hashroute.PartitionFor(req.Put.Message.DeviceKey, len(s.partQ))
	case req.PutBatch != nil && len(req.PutBatch.Messages) > 0:
		return hashroute.PartitionFor(req.PutBatch.Messages[0].DeviceKey, len(s.partQ))
	}
	return 0
}

func (s *Server) handleRequest(req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		if s.closed.Load() {
			res.Health = &HealthResponse{Ok: false, Message: "shutting down"}
		} else {
			res.Health = &HealthResponse{Ok: true, Message: fmt.Sprintf("queue depth %d", s.producer.Len())}
		}
	case OperationStats:
		res.Stats = &StatsResponse{
			QueueDepth: int64(s.producer.Len()),
			Accepted:   s.accepted.Load(),
			Rejected:   s.rejected.Load(),
			Invalid:    s.invalid.Load(),
		}
	case OperationPut:
		return s.put(req, res, []*DeviceMessage{req.Put.Message})
	case OperationPutBatch:
		return s.put(req, res, req.PutBatch.Messages)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

// put converts every message before queueing any of them, then queues them in
// order and stops at the first rejection. The client resends from Accepted.
func (s *Server) put(req *SocketRequest, res *SocketResponse, msgs []*DeviceMessage) *SocketResponse {
	payloads := make([]string, 0, len(msgs))
	for i, m := range msgs {
		p, err := s.converter.Convert(toDomain(m))
		if err != nil {
			s.invalid.Add(1)
			return badReq(req, fmt.Sprintf("message %d: %v", i, err))
		}
		payloads = append(payloads, p)
	}
	var n uint32
	for _, p := range payloads {
		if !s.producer.Put(p) {
			s.rejected.Add(uint64(len(payloads)) - uint64(n))
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeOverloaded), "queue full"
			break
		}
		n++
	}
	s.accepted.Add(uint64(n))
	res.Put = &PutResponse{Accepted: n}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func overloaded(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

func toDomain(m *DeviceMessage) domain.Message {
	msg := domain.Message{
		Source:     "socket",
		DeviceKey:  m.DeviceKey,
		Topic:      m.Topic,
		Body:       m.Body,
		Headers:    m.Headers,
		ReceivedAt: time.Now(),
	}
	if m.SentAtUnixMs > 0 {
		msg.ReceivedAt = time.UnixMilli(m.SentAtUnixMs)
	}
	return msg
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
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

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
