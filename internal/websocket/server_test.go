package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"p4vault/internal/p4"
	"p4vault/internal/prompt"
)

func newTestServer(t *testing.T, app interface{}, authKey string) (*Server, *prompt.Center) {
	t.Helper()

	center := prompt.NewCenter()
	srv := NewServer(app, center, "127.0.0.1:0", authKey)
	center.SetSender(srv)

	if _, err := srv.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, center
}

func dialServer(t *testing.T, srv *Server, authKey string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if authKey != "" {
		header.Set("X-Auth-Key", authKey)
	}
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port()), header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid frame %q: %v", data, err)
	}
	return msg
}

func TestRPCRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, &stubBindings{}, "")
	conn := dialServer(t, srv, "")

	writeFrame(t, conn, WSMessage{
		Kind:    "rpc_request",
		Request: &RPCRequest{ID: "req-1", Method: "Ping"},
	})

	msg := readFrame(t, conn)
	if msg.Kind != "rpc_response" || msg.Response == nil {
		t.Fatalf("expected rpc_response, got %+v", msg)
	}
	if msg.Response.ID != "req-1" || msg.Response.Result != "pong" {
		t.Errorf("unexpected response: %+v", msg.Response)
	}
}

func TestRPCErrorReachesCaller(t *testing.T) {
	srv, _ := newTestServer(t, &stubBindings{}, "")
	conn := dialServer(t, srv, "")

	writeFrame(t, conn, WSMessage{
		Kind:    "rpc_request",
		Request: &RPCRequest{ID: "req-2", Method: "Fail"},
	})

	msg := readFrame(t, conn)
	if msg.Response == nil || msg.Response.Error != "boom" {
		t.Errorf("error not propagated: %+v", msg)
	}
}

func TestAuthKeyGatesConnections(t *testing.T) {
	srv, _ := newTestServer(t, &stubBindings{}, "secret")

	header := http.Header{}
	header.Set("X-Auth-Key", "wrong")
	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port()), header)
	if err == nil {
		t.Fatal("expected the handshake to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}

	// and the right key connects
	conn := dialServer(t, srv, "secret")
	writeFrame(t, conn, WSMessage{Kind: "rpc_request", Request: &RPCRequest{ID: "x", Method: "Ping"}})
	if msg := readFrame(t, conn); msg.Response == nil || msg.Response.Result != "pong" {
		t.Errorf("authorized call failed: %+v", msg)
	}
}

func TestEventBroadcastReachesClient(t *testing.T) {
	srv, _ := newTestServer(t, &stubBindings{}, "")
	conn := dialServer(t, srv, "")

	// give the server a beat to register the client
	time.Sleep(50 * time.Millisecond)
	srv.BroadcastEvent("vcs:refresh", nil)

	msg := readFrame(t, conn)
	if msg.Kind != "event" || msg.Event == nil || msg.Event.Type != "vcs:refresh" {
		t.Errorf("unexpected frame: %+v", msg)
	}
}

func TestPromptRoundTrip(t *testing.T) {
	srv, center := newTestServer(t, &stubBindings{}, "")
	conn := dialServer(t, srv, "")
	time.Sleep(50 * time.Millisecond)

	type answer struct {
		decision prompt.CheckoutDecision
		change   p4.ChangeID
		err      error
	}
	done := make(chan answer, 1)
	go func() {
		decision, change, err := center.AskCheckout(context.Background(), "notes/a.md")
		done <- answer{decision, change, err}
	}()

	msg := readFrame(t, conn)
	if msg.Kind != "prompt_request" || msg.Prompt == nil {
		t.Fatalf("expected prompt_request, got %+v", msg)
	}
	if msg.Prompt.Kind != prompt.KindCheckout || msg.Prompt.Path != "notes/a.md" {
		t.Errorf("unexpected prompt: %+v", msg.Prompt)
	}

	writeFrame(t, conn, WSMessage{
		Kind: "prompt_response",
		PromptReply: &prompt.Response{
			ID:       msg.Prompt.ID,
			Decision: string(prompt.CheckoutEdit),
			Change:   3,
		},
	})

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("AskCheckout failed: %v", got.err)
		}
		if got.decision != prompt.CheckoutEdit || got.change != 3 {
			t.Errorf("unexpected answer: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("prompt reply never unblocked the asker")
	}
}

func TestPromptWithoutClients(t *testing.T) {
	_, center := newTestServer(t, &stubBindings{}, "")

	_, _, err := center.AskCheckout(context.Background(), "a.md")
	if err != prompt.ErrNoFrontend {
		t.Errorf("expected ErrNoFrontend, got %v", err)
	}
}
