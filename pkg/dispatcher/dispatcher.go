// Package dispatcher runs the brain's Unix-socket server. Worker agents
// register on it and receive tasks; observers subscribe to status and
// progress broadcasts; operator tools send one-shot control requests.
// Every message is one line of JSON.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"opsbrain/pkg/fanout"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"
)

// --- Interfaces for testability ---

// EventWriter is the slice of the event store the dispatcher writes through.
type EventWriter interface {
	AppendTurn(ctx context.Context, id string, b store.TurnBuilder) (protocol.Turn, error)
	AppendInbound(ctx context.Context, id string, b store.TurnBuilder) (protocol.Turn, error)
	AppendRecord(ctx context.Context, id string, b store.TurnBuilder) (protocol.Turn, error)
	MarkTurnsStatus(ctx context.Context, id string, turns []int, status protocol.TurnStatus) ([]int, error)
}

// ControlHandler answers operator control requests.
type ControlHandler interface {
	HandleControl(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse
}

// --- Config ---

// Config holds Dispatcher configuration.
type Config struct {
	SocketPath       string        // UDS socket path.
	HeartbeatTimeout time.Duration // Agent heartbeat timeout (default 45s).
	TaskTimeout      time.Duration // Max wait for a task result (default 10m).
	DisconnectGrace  time.Duration // Wait for a busy agent to reconnect (default 30s).
	WriteTimeout     time.Duration // Per-message write deadline (default 5s).
	MaxMessageSize   int           // Max bytes per line (default 1MB).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = 45 * time.Second
	}
	if out.TaskTimeout == 0 {
		out.TaskTimeout = 10 * time.Minute
	}
	if out.DisconnectGrace == 0 {
		out.DisconnectGrace = 30 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = 1 << 20
	}
	return out
}

// --- Agent tracking ---

// connWriter serializes writes to one connection.
type connWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *connWriter) send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	if _, err := w.conn.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// trackedAgent holds runtime state for a registered agent.
type trackedAgent struct {
	id           string
	role         protocol.Actor
	gen          uint64 // bumped on every (re)registration
	writer       *connWriter
	busy         bool
	eventID      string
	connectedAt  time.Time
	lastSeen     time.Time
	disconnected bool
}

// --- Dispatcher ---

// Dispatcher owns agent connections and outstanding tasks.
type Dispatcher struct {
	cfg     Config
	store   EventWriter
	hub     *fanout.Hub
	log     *slog.Logger
	control ControlHandler

	mu       sync.Mutex
	ctx      context.Context //nolint:containedctx // server lifetime, set by Run
	agents   map[string]*trackedAgent
	tasks    map[taskKey]*pendingTask
	nextGen  uint64
	listener net.Listener

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Dispatcher. It does not listen until Run is called.
func New(cfg Config, events EventWriter, hub *fanout.Hub, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		store:   events,
		hub:     hub,
		log:     log.With("component", "dispatcher"),
		ctx:     context.Background(),
		agents:  make(map[string]*trackedAgent),
		tasks:   make(map[taskKey]*pendingTask),
		nowFunc: time.Now,
	}
}

// SetControlHandler installs the handler for operator control connections.
func (d *Dispatcher) SetControlHandler(h ControlHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.control = h
}

// Run listens on the socket until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := cleanStaleSocket(d.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.ctx = ctx
	d.mu.Unlock()
	d.log.Info("listening", "socket", d.cfg.SocketPath)

	go d.acceptLoop(ctx, ln)
	go d.heartbeatLoop(ctx)

	<-ctx.Done()

	_ = ln.Close()
	d.mu.Lock()
	for _, a := range d.agents {
		if a.writer != nil {
			_ = a.writer.conn.Close()
		}
	}
	d.mu.Unlock()
	_ = os.Remove(d.cfg.SocketPath)
	return nil
}

// --- UDS server ---

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go d.handleConn(ctx, conn)
	}
}

// handleConn reads line-delimited JSON. The first message decides what the
// connection is: register (agent), subscribe (observer) or control (operator).
func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), d.cfg.MaxMessageSize)

	var (
		agentID string
		gen     uint64
	)
	defer func() {
		_ = conn.Close()
		if agentID != "" {
			d.agentDisconnected(agentID, gen)
		}
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			d.log.Warn("undecodable message", "error", err)
			continue
		}

		if agentID == "" {
			switch msg.Type {
			case protocol.MsgControl:
				d.handleControl(ctx, conn, msg)
				return
			case protocol.MsgSubscribe:
				d.handleSubscribe(ctx, conn)
				return
			}
		}

		if msg.Type == protocol.MsgRegister {
			id, g, err := d.registerAgent(conn, msg.Register)
			if err != nil {
				d.log.Warn("register rejected", "error", err)
				return
			}
			agentID, gen = id, g
			continue
		}
		if agentID == "" {
			d.log.Warn("message before register", "type", msg.Type)
			continue
		}
		d.handleMessage(ctx, agentID, msg)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		d.log.Debug("connection closed", "agent_id", agentID, "error", err)
	}
}

// registerAgent adds or re-attaches an agent. A reconnect within the
// disconnect grace keeps the agent's outstanding task.
func (d *Dispatcher) registerAgent(conn net.Conn, p *protocol.RegisterPayload) (string, uint64, error) {
	if p == nil || p.AgentID == "" {
		return "", 0, errors.New("register without agent id")
	}
	if !p.Role.IsAgent() {
		return "", 0, fmt.Errorf("agent %s: %q is not an agent role", p.AgentID, p.Role)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.nowFunc()
	d.nextGen++
	writer := &connWriter{conn: conn, timeout: d.cfg.WriteTimeout}

	a, exists := d.agents[p.AgentID]
	if !exists {
		d.agents[p.AgentID] = &trackedAgent{
			id:          p.AgentID,
			role:        p.Role,
			gen:         d.nextGen,
			writer:      writer,
			connectedAt: now,
			lastSeen:    now,
		}
		d.log.Info("agent registered", "agent_id", p.AgentID, "role", p.Role)
		return p.AgentID, d.nextGen, nil
	}

	if a.busy && a.role != p.Role {
		return "", 0, fmt.Errorf("agent %s: cannot change role while busy", p.AgentID)
	}
	if a.writer != nil && a.writer.conn != conn {
		_ = a.writer.conn.Close()
	}
	a.role = p.Role
	a.gen = d.nextGen
	a.writer = writer
	a.disconnected = false
	a.lastSeen = now
	d.log.Info("agent reconnected", "agent_id", p.AgentID, "role", p.Role, "busy", a.busy)
	return p.AgentID, d.nextGen, nil
}

// agentDisconnected forgets an idle agent immediately; a busy agent gets
// DisconnectGrace to come back before its task fails.
func (d *Dispatcher) agentDisconnected(id string, gen uint64) {
	d.mu.Lock()
	a, ok := d.agents[id]
	if !ok || a.gen != gen {
		d.mu.Unlock()
		return
	}
	if !a.busy {
		delete(d.agents, id)
		d.mu.Unlock()
		d.log.Info("agent disconnected", "agent_id", id)
		return
	}
	a.disconnected = true
	a.writer = nil
	d.mu.Unlock()

	d.log.Warn("busy agent disconnected", "agent_id", id, "grace", d.cfg.DisconnectGrace)
	time.AfterFunc(d.cfg.DisconnectGrace, func() { d.expireAgent(id, gen) })
}

func (d *Dispatcher) expireAgent(id string, gen uint64) {
	d.mu.Lock()
	a, ok := d.agents[id]
	if !ok || a.gen != gen || !a.disconnected {
		d.mu.Unlock()
		return
	}
	delete(d.agents, id)
	task := d.taskForAgentLocked(id)
	if task != nil {
		delete(d.tasks, task.key)
	}
	ctx := d.ctx
	d.mu.Unlock()

	if task != nil {
		reason := fmt.Sprintf("agent %s disconnected and did not return within %s", id, d.cfg.DisconnectGrace)
		d.failTask(ctx, task, OutcomeFailed, reason)
	}
}

// --- Message handling ---

func (d *Dispatcher) handleMessage(ctx context.Context, agentID string, msg protocol.Message) {
	d.mu.Lock()
	if a, ok := d.agents[agentID]; ok {
		a.lastSeen = d.nowFunc()
	}
	d.mu.Unlock()

	switch msg.Type {
	case protocol.MsgHeartbeat:
		// lastSeen already updated
	case protocol.MsgProgress:
		d.handleProgress(ctx, agentID, msg.Progress)
	case protocol.MsgResult:
		d.handleResult(ctx, agentID, msg.Result)
	case protocol.MsgBusy:
		d.handleBusy(ctx, agentID, msg.Busy)
	default:
		d.log.Debug("ignored message", "agent_id", agentID, "type", msg.Type)
	}
}

// --- Heartbeat monitoring ---

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkHeartbeats()
		}
	}
}

// checkHeartbeats closes connections of agents that went silent. The
// connection handler then runs the normal disconnect path.
func (d *Dispatcher) checkHeartbeats() {
	now := d.nowFunc()
	d.mu.Lock()
	var stale []net.Conn
	for id, a := range d.agents {
		if a.disconnected || a.writer == nil {
			continue
		}
		if now.Sub(a.lastSeen) > d.cfg.HeartbeatTimeout {
			d.log.Warn("heartbeat timeout", "agent_id", id, "last_seen", a.lastSeen)
			stale = append(stale, a.writer.conn)
		}
	}
	d.mu.Unlock()
	for _, conn := range stale {
		_ = conn.Close()
	}
}

// --- Queries ---

// Agents returns a snapshot of connected agents sorted by id.
func (d *Dispatcher) Agents() []protocol.AgentConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.AgentConnection, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, protocol.AgentConnection{
			AgentID:        a.id,
			Role:           a.role,
			Busy:           a.busy,
			CurrentEventID: a.eventID,
			ConnectedAt:    a.connectedAt,
			LastSeen:       a.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ConnectedAgents returns the number of tracked agents.
func (d *Dispatcher) ConnectedAgents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.agents)
}
