package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"opsbrain/pkg/protocol"
)

// controlTimeout bounds one request/ACK exchange.
const controlTimeout = 30 * time.Second

// dialBrain connects to the brain socket.
func dialBrain(ctx context.Context, sockPath string) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connect to brain at %s: %w", sockPath, err)
	}
	return conn, nil
}

func writeMessage(conn net.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// readACK reads one message and requires it to be an ACK.
func readACK(r *bufio.Reader) (*protocol.ControlResponse, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal ack: %w", err)
	}
	if msg.Type != protocol.MsgACK {
		return nil, fmt.Errorf("unexpected response type: %s", msg.Type)
	}
	if msg.ACK == nil {
		return nil, errors.New("ack payload is nil")
	}
	return msg.ACK, nil
}

// sendControl performs one control exchange. A response with OK=false is
// returned as an error carrying the brain's detail.
func sendControl(ctx context.Context, sockPath string, req protocol.ControlRequest) (*protocol.ControlResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	conn, err := dialBrain(ctx, sockPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeMessage(conn, protocol.Message{Type: protocol.MsgControl, Control: &req}); err != nil {
		return nil, err
	}
	ack, err := readACK(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	if !ack.OK {
		return nil, fmt.Errorf("%s failed: %s", req.Op, ack.Detail)
	}
	return ack, nil
}

// decodeData unmarshals the ACK data into v.
func decodeData(ack *protocol.ControlResponse, v any) error {
	if len(ack.Data) == 0 {
		return errors.New("response carried no data")
	}
	if err := json.Unmarshal(ack.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// subscribe streams fan-out messages to fn until ctx is done or the brain
// goes away.
func subscribe(ctx context.Context, sockPath string, fn func(protocol.Message)) error {
	conn, err := dialBrain(ctx, sockPath)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	if err := writeMessage(conn, protocol.Message{Type: protocol.MsgSubscribe}); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	if _, err := readACK(r); err != nil {
		return err
	}
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // skip malformed messages
		}
		fn(msg)
	}
}
