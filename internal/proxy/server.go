// Package proxy implements the Proxy Server (C9): a TCP listener for GCS
// clients, a single persistent TCP connection to the router, and the
// bidirectional pumps that run every packet through the Rule Engine and
// Action Executor.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/constellation-overwatch/arc-relay/internal/action"
	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
	"github.com/constellation-overwatch/arc-relay/internal/rules"
)

// Telemetry is the subset of the C10 recorder the proxy reports into. A
// nil Telemetry is valid — every method call below guards for it — so the
// proxy never takes on observability as a hard dependency.
type Telemetry interface {
	RecordForward(direction string)
	RecordBlock(direction string)
	RecordDelay(direction string)
	RecordBatch(direction string)
	RecordAck(direction string)
	RecordRuleMatch(rule string)
	RecordParseFailure(direction string)
}

// client is one connected GCS endpoint.
type client struct {
	id   uint64
	conn net.Conn
	mu   sync.Mutex
}

func (c *client) Forward(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// ClientRegistry tracks every currently connected GCS client and can
// broadcast a router-origin frame to all of them.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  uint64
}

func newClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[uint64]*client)}
}

func (r *ClientRegistry) add(conn net.Conn) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := &client{id: r.nextID, conn: conn}
	r.clients[c.id] = c
	return c
}

func (r *ClientRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Forward implements action.Sink by broadcasting to every connected client.
func (r *ClientRegistry) Forward(frame []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if err := c.Forward(frame); err != nil {
			slog.Warn("failed to forward to gcs client", "client_id", c.id, "error", err)
		}
	}
	return nil
}

// routerSink is the single persistent TCP connection to mavlink-router,
// guarded by an exclusive write lock (§3's ClientRegistry note: the router
// side is a single peer, not a registry, but needs the same serialization
// since Delay/Batch goroutines can write concurrently with the main pump).
type routerSink struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *routerSink) Forward(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// Server is the Proxy Server (C9).
type Server struct {
	gcsListenAddr string
	routerAddr    string

	catalog  *mavlink.Catalog
	codec    *mavlink.Codec
	engine   *rules.Engine
	executor *action.Executor
	telemetry Telemetry

	registry *ClientRegistry
	router   *routerSink

	onRouterReady func(action.Sink)
}

// New builds a Server ready to Run. telemetry may be nil.
func New(gcsListenAddr, routerAddr string, catalog *mavlink.Catalog, codec *mavlink.Codec, engine *rules.Engine, executor *action.Executor, telemetry Telemetry) *Server {
	return &Server{
		gcsListenAddr: gcsListenAddr,
		routerAddr:    routerAddr,
		catalog:       catalog,
		codec:         codec,
		engine:        engine,
		executor:      executor,
		telemetry:     telemetry,
		registry:      newClientRegistry(),
	}
}

// OnRouterReady registers a callback fired once the router connection is
// established, handing back the Sink that writes to it. The batch
// aggregator's timeout handler is built before the Server (it has to be,
// since the executor it feeds is a Server constructor argument), so this is
// how it learns where a timed-out batch should actually be forwarded.
func (s *Server) OnRouterReady(fn func(action.Sink)) {
	s.onRouterReady = fn
}

// Run dials the router, starts the GCS listener, and blocks until either
// the router connection or the listener fails, matching spec.md §7: a
// router read failure terminates the process rather than degrading
// silently. A router write failure is only logged by the sender and
// traffic continues.
func (s *Server) Run(ctx context.Context) error {
	routerConn, err := net.Dial("tcp", s.routerAddr)
	if err != nil {
		return fmt.Errorf("proxy: connect to router %s: %w", s.routerAddr, err)
	}
	s.router = &routerSink{conn: routerConn}
	slog.Info("connected to router", "address", s.routerAddr)
	if s.onRouterReady != nil {
		s.onRouterReady(s.router)
	}

	listener, err := net.Listen("tcp", s.gcsListenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", s.gcsListenAddr, err)
	}
	defer listener.Close()
	slog.Info("listening for gcs clients", "address", s.gcsListenAddr)

	routerDone := make(chan error, 1)
	go func() { routerDone <- s.pumpRouterToGCS(routerConn) }()

	listenDone := make(chan error, 1)
	go func() { listenDone <- s.acceptLoop(ctx, listener) }()

	select {
	case err := <-routerDone:
		return fmt.Errorf("proxy: router connection ended: %w", err)
	case err := <-listenDone:
		return fmt.Errorf("proxy: gcs listener ended: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c := s.registry.add(conn)
		slog.Info("gcs client connected", "client_id", c.id, "remote_addr", conn.RemoteAddr())
		go s.pumpGCSToRouter(c)
	}
}

// pumpGCSToRouter reads frames from one GCS client, runs them through the
// rule engine, and drives the executor. A client disconnect (EOF) just
// deregisters that client; it never brings down the proxy.
func (s *Server) pumpGCSToRouter(c *client) {
	defer func() {
		s.registry.remove(c.id)
		c.conn.Close()
		slog.Info("gcs client disconnected", "client_id", c.id)
	}()

	r := bufio.NewReader(c.conn)
	for {
		frame, err := mavlink.ReadFrame(r)
		if err != nil {
			return
		}
		s.handleFrame(frame, directionGCSToRouter, s.router, c)
	}
}

// pumpRouterToGCS reads frames from the router and broadcasts them to
// every connected GCS client after rule processing. A router read error is
// fatal to the whole proxy (§7).
func (s *Server) pumpRouterToGCS(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		frame, err := mavlink.ReadFrame(r)
		if err != nil {
			return err
		}
		s.handleFrame(frame, directionRouterToGCS, s.registry, s.router)
	}
}

type direction struct {
	rulesDir  rules.Direction
	allowBatch bool
	name      string
}

var (
	directionGCSToRouter = direction{rulesDir: rules.DirGCSToRouter, allowBatch: true, name: "gcs_to_router"}
	directionRouterToGCS = direction{rulesDir: rules.DirRouterToGCS, allowBatch: false, name: "router_to_gcs"}
)

// handleFrame decodes one frame, runs it through the rule engine, and
// executes the resulting action list. sink is where matched/forwarded
// frames for this direction go; ackSink is where a synthesized ACK goes:
// the return path of the direction that received the frame, i.e. the
// originating client for a GCS-origin match and the router for a
// router-origin match.
func (s *Server) handleFrame(frame []byte, dir direction, sink action.Sink, ackSink action.Sink) {
	header, msg, err := s.codec.Decode(frame)
	if err != nil {
		slog.Debug("failed to decode frame, forwarding raw", "direction", dir.name, "error", err)
		s.recordParseFailure(dir.name)
		if sink != nil {
			if ferr := sink.Forward(frame); ferr != nil {
				slog.Error("forward raw frame failed", "error", ferr)
			}
		}
		return
	}

	result := s.engine.Process(header, msg, dir.rulesDir)
	s.recordResult(dir.name, result)
	s.executor.Execute(header, msg, frame, result, sink, ackSink, dir.allowBatch)
}

func (s *Server) recordParseFailure(direction string) {
	if s.telemetry != nil {
		s.telemetry.RecordParseFailure(direction)
	}
}

func (s *Server) recordResult(direction string, result rules.ProcessResult) {
	if s.telemetry == nil {
		return
	}
	if result.MatchedRule != "" {
		s.telemetry.RecordRuleMatch(result.MatchedRule)
	}
	for _, step := range result.Actions {
		switch step.Kind {
		case rules.ActionForward, rules.ActionModify:
			s.telemetry.RecordForward(direction)
		case rules.ActionBlock:
			s.telemetry.RecordBlock(direction)
		case rules.ActionDelay:
			s.telemetry.RecordDelay(direction)
		case rules.ActionBatch:
			s.telemetry.RecordBatch(direction)
		}
	}
	if result.Ack != nil {
		s.telemetry.RecordAck(direction)
	}
}

// ClientCount reports the number of currently connected GCS clients, used
// by the admin /healthz endpoint (C10).
func (s *Server) ClientCount() int {
	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()
	return len(s.registry.clients)
}
