// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WebSocketPath is the HTTP path of the rendezvous served by rank 0.
const WebSocketPath = "/ddp"

// dialRetryInterval is the pause between attempts to reach the rendezvous.
const dialRetryInterval = 200 * time.Millisecond

// frame is the JSON message exchanged between a rank and the rendezvous.
type frame struct {
	Rank     int      `json:"rank,omitempty"`
	Seq      uint64   `json:"seq"`
	Op       opKind   `json:"op"`
	Payload  []byte   `json:"payload,omitempty"`
	Payloads [][]byte `json:"payloads,omitempty"`
	Err      string   `json:"err,omitempty"`
	Kind     string   `json:"kind,omitempty"`
}

// Error kinds transmitted in frame.Kind.
const (
	kindAborted  = "aborted"
	kindMismatch = "mismatch"
	kindTimeout  = "join_timeout"
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrCollectiveMismatch):
		return kindMismatch
	case errors.Is(err, ErrJoinTimeout):
		return kindTimeout
	default:
		return kindAborted
	}
}

func errorFromFrame(f *frame) error {
	switch f.Kind {
	case kindMismatch:
		return errors.WithMessagef(ErrCollectiveMismatch, "%s", f.Err)
	case kindTimeout:
		return errors.WithMessagef(ErrJoinTimeout, "%s", f.Err)
	default:
		return errors.WithMessagef(ErrAborted, "%s", f.Err)
	}
}

// replyPayloads trims the payloads a non-coordinator rank doesn't need.
func replyPayloads(op opKind, payloads [][]byte) [][]byte {
	switch op {
	case opAllReduceMean, opAllReduceSum:
		return payloads
	case opBroadcast, opGather:
		// Gather only needs the right count: non-coordinators discard the content.
		out := make([][]byte, len(payloads))
		if op == opBroadcast {
			out[0] = payloads[0]
		}
		return out
	default:
		return make([][]byte, len(payloads))
	}
}

// wsServer is the rendezvous hosted by rank 0: it relays the collectives of the other ranks to its hub.
type wsServer struct {
	hub      *hub
	world    int
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[int]*websocket.Conn
	closing bool
	wg      sync.WaitGroup
}

func newWSServer(cfg *Config) (*wsServer, error) {
	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", cfg.Address())
	}
	s := &wsServer{
		hub:   newHub(cfg.WorldSize),
		world: cfg.WorldSize,
		conns: make(map[int]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handle)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: cfg.joinTimeout()}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.hub.abort(errors.Wrapf(err, "rendezvous server at %s failed", cfg.Address()))
		}
	}()
	s.hub.whenAborted(s.closeConns)
	klog.V(1).Infof("rendezvous listening on ws://%s%s", listener.Addr(), WebSocketPath)
	return s, nil
}

// handle serves one peer rank: it relays each request frame to the hub and writes back the result.
func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("rendezvous: failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}
	var hello frame
	if err = conn.ReadJSON(&hello); err != nil {
		klog.Warningf("rendezvous: failed to read hello from %s: %v", r.RemoteAddr, err)
		_ = conn.Close()
		return
	}
	rank := hello.Rank
	if err = s.register(rank, conn); err != nil {
		_ = conn.WriteJSON(frame{Err: err.Error(), Kind: kindAborted})
		_ = conn.Close()
		s.hub.abort(err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	for {
		var req frame
		if err = conn.ReadJSON(&req); err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing && s.hub.isAborted() == nil {
				s.hub.abort(errors.Wrapf(ErrAborted, "lost connection to rank %d: %v", rank, err))
			}
			return
		}
		payloads, exErr := s.hub.exchange(context.Background(), rank, req.Seq, req.Op, req.Payload)
		reply := frame{Seq: req.Seq, Op: req.Op}
		if exErr != nil {
			reply.Err = exErr.Error()
			reply.Kind = errorKind(exErr)
		} else {
			reply.Payloads = replyPayloads(req.Op, payloads)
		}
		if err = conn.WriteJSON(reply); err != nil {
			s.hub.abort(errors.Wrapf(ErrAborted, "failed to reply to rank %d: %v", rank, err))
			return
		}
		if exErr != nil {
			return
		}
		if req.Op == opClose {
			s.unregister(rank)
			return
		}
	}
}

func (s *wsServer) register(rank int, conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rank <= 0 || rank >= s.world {
		return errors.Errorf("rendezvous: invalid rank %d for world size %d", rank, s.world)
	}
	if _, found := s.conns[rank]; found {
		return errors.Errorf("rendezvous: rank %d joined twice", rank)
	}
	s.conns[rank] = conn
	return nil
}

func (s *wsServer) unregister(rank int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, rank)
}

// closeConns drops all peer connections, which makes their pending collectives fail.
func (s *wsServer) closeConns() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// wsCoordinator is the exchanger of rank 0 for the WebSocket backend.
type wsCoordinator struct {
	s *wsServer
}

func (e *wsCoordinator) exchange(ctx context.Context, seq uint64, op opKind, payload []byte) ([][]byte, error) {
	return e.s.hub.exchange(ctx, 0, seq, op, payload)
}

func (e *wsCoordinator) abort(cause error) { e.s.hub.abort(cause) }

// closeGracePeriod bounds the wait for the peers' handlers to deliver their last replies.
const closeGracePeriod = 5 * time.Second

func (e *wsCoordinator) close() error {
	handlersDone := make(chan struct{})
	go func() {
		e.s.wg.Wait()
		close(handlersDone)
	}()
	if e.s.hub.isAborted() != nil {
		e.s.closeConns()
	}
	select {
	case <-handlersDone:
	case <-time.After(closeGracePeriod):
		e.s.closeConns()
		<-handlersDone
	}
	return errors.Wrap(e.s.server.Close(), "closing rendezvous server")
}

// wsPeer is the exchanger of ranks > 0 for the WebSocket backend.
type wsPeer struct {
	rank int
	conn *websocket.Conn
}

// dialRendezvous connects to rank 0, retrying until ctx is done.
func dialRendezvous(ctx context.Context, cfg *Config, rank int) (*websocket.Conn, error) {
	url := "ws://" + cfg.Address() + WebSocketPath
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		klog.V(2).Infof("rank %d: rendezvous %s not reachable yet: %v", rank, url, err)
		select {
		case <-ctx.Done():
			return nil, errors.WithMessagef(context.Cause(ctx), "rank %d failed to reach %s: %v", rank, url, err)
		case <-time.After(dialRetryInterval):
		}
	}
}

func (e *wsPeer) exchange(ctx context.Context, seq uint64, op opKind, payload []byte) ([][]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = e.conn.Close() })
	defer stop()
	if err := e.conn.WriteJSON(frame{Seq: seq, Op: op, Payload: payload}); err != nil {
		return nil, e.connectionError(ctx, err)
	}
	var reply frame
	if err := e.conn.ReadJSON(&reply); err != nil {
		return nil, e.connectionError(ctx, err)
	}
	if reply.Err != "" {
		return nil, errorFromFrame(&reply)
	}
	if reply.Seq != seq || reply.Op != op {
		return nil, errors.Wrapf(ErrCollectiveMismatch, "rank %d: sent %s #%d, got reply for %s #%d",
			e.rank, op, seq, reply.Op, reply.Seq)
	}
	return reply.Payloads, nil
}

func (e *wsPeer) connectionError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrJoinTimeout) {
			return cause
		}
		return errors.WithMessagef(ErrAborted, "rank %d: %v", e.rank, cause)
	}
	return errors.WithMessagef(ErrAborted, "rank %d lost connection to the rendezvous: %v", e.rank, err)
}

func (e *wsPeer) abort(cause error) {
	klog.V(1).Infof("rank %d aborting: %v", e.rank, cause)
	_ = e.conn.Close()
}

func (e *wsPeer) close() error {
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = e.conn.Close()
	return nil
}

// newWSExchanger starts the rendezvous on rank 0, or dials it on the other ranks.
func newWSExchanger(ctx context.Context, cfg *Config, rank int) (exchanger, error) {
	if rank == 0 {
		s, err := newWSServer(cfg)
		if err != nil {
			return nil, err
		}
		return &wsCoordinator{s: s}, nil
	}
	dialCtx, cancel := context.WithTimeoutCause(ctx, cfg.joinTimeout(),
		errors.Wrapf(ErrJoinTimeout, "rank %d: rendezvous at %s not reachable within %s", rank, cfg.Address(), cfg.joinTimeout()))
	defer cancel()
	conn, err := dialRendezvous(dialCtx, cfg, rank)
	if err != nil {
		return nil, err
	}
	if err = conn.WriteJSON(frame{Rank: rank}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "rank %d: failed to send hello to rendezvous", rank)
	}
	return &wsPeer{rank: rank, conn: conn}, nil
}
