package prompt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"p4vault/internal/logging"
	"p4vault/internal/p4"
)

// Prompt kinds shown to the user. Each kind has its own fixed decision
// set; anything outside it is treated as cancel.
const (
	KindCheckout = "checkout"
	KindAdd      = "add"
	KindDelete   = "delete"
)

// CheckoutDecision answers a checkout prompt.
type CheckoutDecision string

const (
	CheckoutEdit        CheckoutDecision = "checkout"
	CheckoutEditAndLock CheckoutDecision = "checkout_and_lock"
	CheckoutSkipOnce    CheckoutDecision = "skip_once"
	CheckoutSkipSession CheckoutDecision = "skip_session"
	CheckoutCancel      CheckoutDecision = "cancel"
)

// AddDecision answers an add prompt for a newly created file.
type AddDecision string

const (
	AddNow         AddDecision = "add"
	AddSkip        AddDecision = "skip"
	AddSkipSession AddDecision = "skip_session"
)

// DeleteDecision answers a delete prompt for a removed tracked file.
type DeleteDecision string

const (
	DeleteMark        DeleteDecision = "mark_for_delete"
	DeleteKeep        DeleteDecision = "keep"
	DeleteSkipSession DeleteDecision = "skip_session"
)

// ErrNoFrontend is returned when no frontend is connected to answer.
var ErrNoFrontend = errors.New("no frontend connected to answer the prompt")

// ErrPromptTimeout is returned when the user never answered.
var ErrPromptTimeout = errors.New("prompt timed out without an answer")

// Request is pushed to the frontend, which renders a modal and sends a
// Response back carrying the same ID.
type Request struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Path    string   `json:"path"`
	Message string   `json:"message"`
	Options []string `json:"options"`
}

// Response is the user's answer. Change is the target changelist for
// checkout decisions.
type Response struct {
	ID       string      `json:"id"`
	Decision string      `json:"decision"`
	Change   p4.ChangeID `json:"change"`
}

// Sender delivers prompt requests to the connected frontend.
type Sender interface {
	SendPrompt(req Request) error
}

// Center mediates blocking prompts. Ask parks the caller until the
// matching Response arrives, the context ends, or the answer deadline
// passes.
type Center struct {
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	sender  Sender
	pending map[string]chan Response
}

func NewCenter() *Center {
	return &Center{
		log:     logging.GetLogger("prompt"),
		timeout: 2 * time.Minute,
		pending: make(map[string]chan Response),
	}
}

// SetSender wires the delivery channel once the websocket server exists.
func (c *Center) SetSender(s Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// Ask sends one prompt and blocks for its answer.
func (c *Center) Ask(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.New().String()

	c.mu.Lock()
	sender := c.sender
	if sender == nil {
		c.mu.Unlock()
		return Response{}, ErrNoFrontend
	}
	ch := make(chan Response, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := sender.SendPrompt(req); err != nil {
		return Response{}, err
	}

	c.log.Debug().Str("kind", req.Kind).Str("path", req.Path).Msg("prompt sent")

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(c.timeout):
		return Response{}, ErrPromptTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Resolve delivers an answer from the frontend. It reports whether a
// caller was still waiting for it.
func (c *Center) Resolve(resp Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("id", resp.ID).Msg("response for unknown or expired prompt")
		return false
	}
	ch <- resp
	return true
}

// AskCheckout prompts for a synced-but-not-open file the user wants to
// edit. The returned changelist is where the checkout should land.
func (c *Center) AskCheckout(ctx context.Context, path string) (CheckoutDecision, p4.ChangeID, error) {
	resp, err := c.Ask(ctx, Request{
		Kind:    KindCheckout,
		Path:    path,
		Message: path + " is under version control and read-only. Check it out to edit.",
		Options: []string{
			string(CheckoutEdit),
			string(CheckoutEditAndLock),
			string(CheckoutSkipOnce),
			string(CheckoutSkipSession),
			string(CheckoutCancel),
		},
	})
	if err != nil {
		return CheckoutCancel, p4.DefaultChange, err
	}

	switch d := CheckoutDecision(resp.Decision); d {
	case CheckoutEdit, CheckoutEditAndLock, CheckoutSkipOnce, CheckoutSkipSession:
		return d, resp.Change, nil
	default:
		return CheckoutCancel, p4.DefaultChange, nil
	}
}

// AskAdd prompts for a newly created local file.
func (c *Center) AskAdd(ctx context.Context, path string) (AddDecision, p4.ChangeID, error) {
	resp, err := c.Ask(ctx, Request{
		Kind:    KindAdd,
		Path:    path,
		Message: path + " is new. Add it to the depot?",
		Options: []string{string(AddNow), string(AddSkip), string(AddSkipSession)},
	})
	if err != nil {
		return AddSkip, p4.DefaultChange, err
	}

	switch d := AddDecision(resp.Decision); d {
	case AddNow, AddSkipSession:
		return d, resp.Change, nil
	default:
		return AddSkip, p4.DefaultChange, nil
	}
}

// AskDelete prompts for a tracked file that disappeared locally.
func (c *Center) AskDelete(ctx context.Context, path string) (DeleteDecision, error) {
	resp, err := c.Ask(ctx, Request{
		Kind:    KindDelete,
		Path:    path,
		Message: path + " was deleted locally. Mark it for delete in the depot?",
		Options: []string{string(DeleteMark), string(DeleteKeep), string(DeleteSkipSession)},
	})
	if err != nil {
		return DeleteKeep, err
	}

	switch d := DeleteDecision(resp.Decision); d {
	case DeleteMark, DeleteSkipSession:
		return d, nil
	default:
		return DeleteKeep, nil
	}
}
