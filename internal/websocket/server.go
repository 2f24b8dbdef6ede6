package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"p4vault/internal/logging"
	"p4vault/internal/prompt"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// loopback-only server; the auth key does the gatekeeping
		return true
	},
}

// Server speaks the daemon protocol with editor frontends: RPC requests
// in, responses, events and prompts out. It is the hub's Broadcaster and
// the prompt center's Sender.
type Server struct {
	addr       string
	authKey    string
	port       int
	router     *Router
	prompts    *prompt.Center
	log        zerolog.Logger
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	httpServer *http.Server
}

// NewServer binds the RPC surface of app. addr defaults to an ephemeral
// loopback port; a non-empty authKey is required from every client.
func NewServer(app interface{}, prompts *prompt.Center, addr, authKey string) *Server {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &Server{
		addr:    addr,
		authKey: authKey,
		router:  NewRouter(app),
		prompts: prompts,
		log:     logging.GetLogger("websocket"),
		clients: make(map[string]*Client),
	}
}

// Start listens and serves in the background, returning the bound port.
// The port is also printed on stdout for the plugin that spawned us.
func (s *Server) Start(ctx context.Context) (int, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server stopped")
		}
	}()

	fmt.Printf("WS_PORT:%d\n", s.port)
	s.log.Info().Int("port", s.port).Msg("listening")

	return s.port, nil
}

// Stop disconnects all clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for _, client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authKey != "" {
		if r.Header.Get("X-Auth-Key") != s.authKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn)

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()
	s.log.Debug().Str("client", clientID).Msg("client connected")

	go client.WritePump()
	s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		client.Conn.Close()
		s.log.Debug().Str("client", client.ID).Msg("client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("client", client.ID).Msg("read error")
			}
			break
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.log.Warn().Err(err).Msg("invalid message")
		return
	}

	switch {
	case msg.Kind == "rpc_request" && msg.Request != nil:
		// a handler stuck on the backend must not stall prompt replies
		// arriving on the same connection
		go s.handleRPCRequest(client, msg.Request)
	case msg.Kind == "prompt_response" && msg.PromptReply != nil:
		if !s.prompts.Resolve(*msg.PromptReply) {
			s.log.Debug().Str("id", msg.PromptReply.ID).Msg("reply for unknown or expired prompt")
		}
	}
}

func (s *Server) handleRPCRequest(client *Client, req *RPCRequest) {
	result, err := s.router.Call(req.Method, req.Params)

	var errMsg string
	if err != nil {
		errMsg = err.Error()
		s.log.Debug().Str("method", req.Method).Err(err).Msg("rpc failed")
	}

	if err := client.SendResponse(req.ID, result, errMsg); err != nil {
		s.log.Warn().Err(err).Str("client", client.ID).Msg("failed to send response")
	}
}

// SendPrompt pushes a modal prompt to every connected frontend; the
// first reply wins.
func (s *Server) SendPrompt(req prompt.Request) error {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	if len(s.clients) == 0 {
		return prompt.ErrNoFrontend
	}
	for _, client := range s.clients {
		if err := client.SendMessage(&WSMessage{Kind: "prompt_request", Prompt: &req}); err != nil {
			s.log.Warn().Err(err).Str("client", client.ID).Msg("failed to send prompt")
		}
	}
	return nil
}

// BroadcastEvent fans an event out to all connected clients.
func (s *Server) BroadcastEvent(eventType string, payload interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		client.SendEvent(eventType, payload)
	}
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	return s.port
}
