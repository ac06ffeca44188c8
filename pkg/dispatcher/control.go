package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"opsbrain/pkg/protocol"
)

// handleControl answers one operator request and closes the connection.
func (d *Dispatcher) handleControl(ctx context.Context, conn net.Conn, msg protocol.Message) {
	resp := d.applyControl(ctx, msg.Control)
	w := &connWriter{conn: conn, timeout: d.cfg.WriteTimeout}
	if err := w.send(protocol.Message{Type: protocol.MsgACK, ACK: &resp}); err != nil {
		d.log.Warn("ack not delivered", "error", err)
	}
}

func (d *Dispatcher) applyControl(ctx context.Context, req *protocol.ControlRequest) protocol.ControlResponse {
	if req == nil {
		return protocol.ControlResponse{Detail: "missing control payload"}
	}
	if !req.Op.Valid() {
		return protocol.ControlResponse{Detail: "invalid op " + string(req.Op)}
	}
	if req.Op == protocol.OpListAgents {
		data, err := json.Marshal(d.Agents())
		if err != nil {
			return protocol.ControlResponse{Detail: err.Error()}
		}
		return protocol.ControlResponse{OK: true, Data: data}
	}

	d.mu.Lock()
	h := d.control
	d.mu.Unlock()
	if h == nil {
		return protocol.ControlResponse{Detail: "no control handler installed"}
	}
	d.log.Info("control request", "op", req.Op, "event_id", req.EventID)
	return h.HandleControl(ctx, *req)
}

// handleSubscribe streams fan-out messages to an observer until either side
// goes away.
func (d *Dispatcher) handleSubscribe(ctx context.Context, conn net.Conn) {
	if d.hub == nil {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Observers send nothing after subscribe; a read returning means they left.
	go func() {
		defer cancel()
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadByte(); err != nil {
				return
			}
		}
	}()

	w := &connWriter{conn: conn, timeout: d.cfg.WriteTimeout}
	if err := w.send(protocol.Message{Type: protocol.MsgACK, ACK: &protocol.ControlResponse{OK: true, Detail: "subscribed"}}); err != nil {
		return
	}
	for msg := range d.hub.Subscribe(subCtx, 0) {
		if err := w.send(msg); err != nil {
			d.log.Debug("observer gone", "error", err)
			return
		}
	}
}
