package stubs

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/quantfold/momentum-bot/internal/ibgw"
	"github.com/quantfold/momentum-bot/internal/observ"
)

// GatewayServer exposes a SimGateway over the real TCP wire so a locally
// running trader can connect to it like the production gateway.
type GatewayServer struct {
	Sim *SimGateway

	mu sync.Mutex
	ln net.Listener
}

func NewGatewayServer(sim *SimGateway) *GatewayServer {
	return &GatewayServer{Sim: sim}
}

// Listen binds addr and returns the bound address (useful with ":0").
func (s *GatewayServer) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr().String(), nil
}

// Serve accepts one session at a time; the gateway protocol is single
// session per client id anyway.
func (s *GatewayServer) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.handle(conn)
	}
}

type connHandler struct {
	enc *json.Encoder
	mu  sync.Mutex
}

func (h *connHandler) OnMessage(msg ibgw.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.enc.Encode(msg)
}

func (h *connHandler) OnDisconnect(error) {}

func (s *GatewayServer) handle(conn net.Conn) {
	defer conn.Close()
	if err := s.Sim.Dial(context.Background()); err != nil {
		return
	}
	defer s.Sim.Close()

	h := &connHandler{enc: json.NewEncoder(conn)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Sim.Run(h)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var msg ibgw.Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			observ.Warn("stub_gateway_bad_frame", map[string]any{"err": err.Error()})
			continue
		}
		if err := s.Sim.Send(msg); err != nil {
			break
		}
	}
	_ = s.Sim.Close()
	<-done
}

func (s *GatewayServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
