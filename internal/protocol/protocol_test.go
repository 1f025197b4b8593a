package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anweddol/sessiond/internal/cryptox"
	"github.com/anweddol/sessiond/internal/schema"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	clientConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		clientConnCh <- c
	}()

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	clientConn := <-clientConnCh
	return serverConn, clientConn
}

func handshake(t *testing.T, server, client *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- server.ExchangeKeys(ctx, true) }()
	go func() { errCh <- client.ExchangeKeys(ctx, false) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("ExchangeKeys: %v", err)
		}
	}
}

func newTestSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	serverConn, clientConn := pipe(t)
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	serverRSA, err := cryptox.NewRSAWrapper(2048)
	if err != nil {
		t.Fatalf("NewRSAWrapper: %v", err)
	}
	clientRSA, err := cryptox.NewRSAWrapper(2048)
	if err != nil {
		t.Fatalf("NewRSAWrapper: %v", err)
	}

	server, err := NewSession(serverConn, serverRSA)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	client, err := NewSession(clientConn, clientRSA)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	handshake(t, server, client)
	return server, client
}

func TestRequestResponseRoundTrip(t *testing.T) {
	server, client := newTestSessionPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := schema.Request{Verb: schema.VerbStat, Parameters: map[string]any{}}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- client.SendRequest(ctx, req) }()

	got, err := server.RecvRequest(ctx)
	if err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if err := <-sendErrCh; err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if got.Verb != schema.VerbStat {
		t.Fatalf("expected VerbStat, got %v", got.Verb)
	}

	resp, err := schema.MakeResponse(true, schema.MessageOK, map[string]any{"running": float64(0)}, "")
	if err != nil {
		t.Fatalf("MakeResponse: %v", err)
	}

	respErrCh := make(chan error, 1)
	go func() { respErrCh <- server.SendResponse(ctx, resp) }()

	gotResp, err := client.RecvResponse(ctx)
	if err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if err := <-respErrCh; err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	if gotResp.Message != schema.MessageOK {
		t.Fatalf("expected OK message, got %q", gotResp.Message)
	}
}

func TestSessionIDIsDerivedFromPeerIP(t *testing.T) {
	server, _ := newTestSessionPair(t)
	if len(server.ID()) != 7 {
		t.Fatalf("expected a 7-character session id, got %q", server.ID())
	}
}
