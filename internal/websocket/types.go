package websocket

import "p4vault/internal/prompt"

// RPCRequest is a method call from the editor plugin.
type RPCRequest struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// RPCResponse answers one RPCRequest, matched by ID.
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is a server-initiated push, e.g. "vcs:status-changed".
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSMessage is the envelope for every frame in either direction.
//
// Kinds: "rpc_request", "rpc_response", "event", "prompt_request",
// "prompt_response". Prompts run opposite to RPC: the server asks, the
// editor answers.
type WSMessage struct {
	Kind string `json:"kind"`

	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`

	Prompt      *prompt.Request  `json:"prompt,omitempty"`
	PromptReply *prompt.Response `json:"prompt_reply,omitempty"`
}
