package node

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"agentmesh/pkg/protocol"
)

// localAPIRequestsPerSecond and localAPIRequestBurst bound how fast a single
// local-API connection can issue requests. Unlike the relay's escalating-ban
// ratelimit package (built for untrusted internet peers), a misbehaving
// local client just needs throttling, the way the teacher's JSON-RPC daemon
// rate-limits its own control endpoint per caller.
const (
	localAPIRequestsPerSecond = 50
	localAPIRequestBurst      = 100
)

// ServeSocket accepts local-API connections on a Unix socket at socketPath
// until ctx is cancelled. The socket and its parent directory are created
// with restrictive permissions and the socket file is removed on exit.
func ServeSocket(ctx context.Context, s *State, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return err
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return err
	}
	defer os.Remove(socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	slog.Info("local API listening", "event_type", "node.socket_listening", "path", socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleLocalConn(ctx, conn)
	}
}

func (s *State) handleLocalConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	writer := bufio.NewWriter(conn)
	writeLine := func(v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := writer.Write(raw); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := writeLine(protocol.Hello{Type: protocol.RespHello, NodeID: s.identity.NodeID, Version: Version}); err != nil {
		return
	}

	events, cancel := s.Subscribe()
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(localAPIRequestsPerSecond), localAPIRequestBurst)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), protocol.MaxLocalAPILineSize)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			slog.Debug("local API client disconnected", "event_type", "node.socket_read_err", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case line, ok := <-lines:
			if !ok {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				writeLine(protocol.Response{Type: protocol.RespError, Code: protocol.CodeProtocolViolation, Message: "invalid request: " + err.Error()})
				continue
			}
			if !limiter.Allow() {
				writeLine(protocol.Response{Type: protocol.RespError, Code: protocol.CodeRateLimited, Message: "too many requests"})
				continue
			}
			resp := s.Handle(ctx, req)
			if err := writeLine(resp); err != nil {
				return
			}
			if req.Type == protocol.ReqShutdown {
				return
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeLine(protocol.Response{Type: protocol.RespEvent, Event: &event}); err != nil {
				return
			}
		}
	}
}
