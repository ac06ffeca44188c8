package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"opsbrain/pkg/protocol"
)

// maxBufferedMessages is the maximum number of messages held during reconnection.
const maxBufferedMessages = 100

// Config holds Agent configuration.
type Config struct {
	ID                string         // Agent id; stable across reconnects.
	Role              protocol.Actor // Role served.
	SocketPath        string         // Brain socket.
	HeartbeatInterval time.Duration  // Default 15s.
	ReconnectInterval time.Duration  // Base reconnect wait (default 2s).
	ReconnectJitter   time.Duration  // Max jitter either side (default 500ms).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = 2 * time.Second
	}
	if out.ReconnectJitter <= 0 {
		out.ReconnectJitter = 500 * time.Millisecond
	}
	return out
}

// running is the task in progress.
type running struct {
	eventID   string
	cancel    context.CancelFunc
	cancelled bool
}

// Agent is a worker connected to the brain.
type Agent struct {
	cfg    Config
	exec   Executor
	log    *slog.Logger
	buffer *MessageBuffer

	mu           sync.Mutex
	conn         net.Conn
	disconnected bool
	current      *running
	wg           sync.WaitGroup
}

// New creates an Agent. Run dials the socket.
func New(cfg Config, exec Executor, log *slog.Logger) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if !cfg.Role.IsAgent() {
		return nil, fmt.Errorf("%q is not an agent role", cfg.Role)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		cfg:    cfg.withDefaults(),
		exec:   exec,
		log:    log.With("component", "agent", "agent_id", cfg.ID, "role", cfg.Role),
		buffer: NewMessageBuffer(maxBufferedMessages),
	}, nil
}

// Busy reports whether a task is running.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// Run connects, registers and serves tasks until ctx is cancelled. A lost
// connection is re-established with jittered retries; a running task keeps
// going and its output is buffered until the agent is back.
func (a *Agent) Run(ctx context.Context) error {
	defer a.wg.Wait()
	if err := a.connect(ctx); err != nil {
		return err
	}
	go a.heartbeatLoop(ctx)
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		if a.conn != nil {
			_ = a.conn.Close()
		}
		a.mu.Unlock()
	}()

	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		err := a.readLoop(ctx, conn)
		if ctx.Err() != nil {
			a.cancelCurrent()
			_ = conn.Close()
			return nil
		}
		a.log.Warn("connection lost", "error", err)
		a.mu.Lock()
		a.disconnected = true
		a.mu.Unlock()
		if err := a.reconnect(ctx); err != nil {
			a.cancelCurrent()
			return nil //nolint:nilerr // reconnect only fails on ctx cancellation
		}
	}
}

// connect dials and registers, then flushes anything buffered.
func (a *Agent) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", a.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to brain: %w", err)
	}
	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connect to brain: %w", ctx.Err())
	}
	a.conn = conn
	a.disconnected = false
	a.mu.Unlock()

	if err := a.write(conn, protocol.Message{
		Type:     protocol.MsgRegister,
		Register: &protocol.RegisterPayload{AgentID: a.cfg.ID, Role: a.cfg.Role},
	}); err != nil {
		_ = conn.Close()
		return err
	}
	for _, msg := range a.buffer.Drain() {
		if err := a.write(conn, msg); err != nil {
			a.buffer.Add(msg)
		}
	}
	a.log.Info("registered", "socket", a.cfg.SocketPath)
	return nil
}

// reconnect retries connect every ReconnectInterval ± jitter until it works
// or ctx ends.
func (a *Agent) reconnect(ctx context.Context) error {
	for {
		jitter := time.Duration(rand.Int64N(int64(2*a.cfg.ReconnectJitter))) - a.cfg.ReconnectJitter //nolint:gosec // jitter doesn't need crypto rand
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent reconnect: %w", ctx.Err())
		case <-time.After(a.cfg.ReconnectInterval + jitter):
		}
		if err := a.connect(ctx); err != nil {
			a.log.Debug("reconnect failed", "error", err)
			continue
		}
		return nil
	}
}

func (a *Agent) readLoop(ctx context.Context, conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue // skip malformed messages
		}
		a.handleMessage(ctx, msg)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("connection closed")
}

func (a *Agent) handleMessage(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgTask:
		if msg.Task != nil {
			a.handleTask(ctx, *msg.Task)
		}
	case protocol.MsgCancel:
		if msg.Cancel != nil {
			a.handleCancel(msg.Cancel.EventID)
		}
	default:
		// Unknown message type, ignore
	}
}

// handleTask starts the task, or answers busy when one is already running.
func (a *Agent) handleTask(ctx context.Context, task protocol.TaskPayload) {
	a.mu.Lock()
	if a.current != nil {
		a.mu.Unlock()
		a.log.Info("busy, rejecting task", "event_id", task.EventID)
		a.send(protocol.Message{Type: protocol.MsgBusy, Busy: &protocol.BusyPayload{EventID: task.EventID, Actor: a.cfg.Role}})
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	cur := &running{eventID: task.EventID, cancel: cancel}
	a.current = cur
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancel()
		a.log.Info("task started", "event_id", task.EventID, "turn", task.Turn)
		result, err := a.exec.Execute(taskCtx, task, func(line string) {
			a.send(protocol.Message{Type: protocol.MsgProgress, Progress: &protocol.ProgressPayload{
				EventID: task.EventID, Actor: a.cfg.Role, Message: line,
			}})
		})

		a.mu.Lock()
		cancelled := cur.cancelled
		a.current = nil
		a.mu.Unlock()
		if cancelled {
			a.log.Info("task cancelled", "event_id", task.EventID)
			return
		}

		payload := &protocol.ResultPayload{EventID: task.EventID, Actor: a.cfg.Role, Result: result}
		if err != nil {
			payload.Error = err.Error()
		}
		a.log.Info("task finished", "event_id", task.EventID, "error", payload.Error)
		a.send(protocol.Message{Type: protocol.MsgResult, Result: payload})
	}()
}

func (a *Agent) handleCancel(eventID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.eventID != eventID {
		return
	}
	a.current.cancelled = true
	a.current.cancel()
}

func (a *Agent) cancelCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.current.cancelled = true
		a.current.cancel()
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			conn, disconnected := a.conn, a.disconnected
			a.mu.Unlock()
			if disconnected || conn == nil {
				continue
			}
			_ = a.write(conn, protocol.Message{Type: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{AgentID: a.cfg.ID}})
		}
	}
}

// send writes msg, or buffers it while disconnected.
func (a *Agent) send(msg protocol.Message) {
	a.mu.Lock()
	conn, disconnected := a.conn, a.disconnected
	a.mu.Unlock()
	if disconnected || conn == nil {
		a.buffer.Add(msg)
		return
	}
	if err := a.write(conn, msg); err != nil {
		a.buffer.Add(msg)
	}
}

// write encodes msg as one JSON line.
func (a *Agent) write(conn net.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
