// Package control is the mission control plane: cooperative cancellation,
// wave holds, and the operator input channel used for plan approval. The
// graph engine checks cancellation between nodes; the runner consults the
// wave gate before scheduling each wave, so a held mission finishes its
// in-flight wave and then idles without burning further sandbox attempts.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/worldmind/worldmind/internal/core"
)

// InputRequest is a prompt surfaced to the operator (plan approval,
// clarifying answers resubmitted interactively).
type InputRequest struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Context string   `json:"context,omitempty"`
	Options []string `json:"options,omitempty"`
}

// InputResponse is the operator's answer to one InputRequest.
type InputResponse struct {
	RequestID string `json:"request_id"`
	Input     string `json:"input"`
	Cancelled bool   `json:"cancelled"`
}

// Plane coordinates one mission process. Cancellation is one-way and
// carries a reason; wave holds are reversible and only take effect between
// waves.
type Plane struct {
	mu           sync.Mutex
	cancelReason string
	done         chan struct{}

	held      bool
	releaseCh chan struct{}

	inputMu  sync.Mutex
	requests chan InputRequest
	pending  map[string]chan InputResponse
}

// New creates a Plane.
func New() *Plane {
	return &Plane{
		done:      make(chan struct{}),
		releaseCh: make(chan struct{}),
		requests:  make(chan InputRequest, 8),
		pending:   make(map[string]chan InputResponse),
	}
}

// Cancel stops the mission at the next node boundary. The first reason
// wins; later calls are no-ops. Anything blocked on the plane — wave gate
// waits and pending input prompts — is unblocked immediately, so an
// approval prompt never outlives its mission.
func (p *Plane) Cancel(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	if reason == "" {
		reason = "cancelled"
	}
	p.cancelReason = reason
	close(p.done)
}

// Cancelled reports whether Cancel has been called.
func (p *Plane) Cancelled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// CheckCancelled returns a state error carrying the cancel reason, or nil.
// The graph engine calls this between nodes.
func (p *Plane) CheckCancelled() error {
	if !p.Cancelled() {
		return nil
	}
	p.mu.Lock()
	reason := p.cancelReason
	p.mu.Unlock()
	return core.ErrCancelled(reason)
}

// Done returns a channel closed on cancellation, for select-based waits.
func (p *Plane) Done() <-chan struct{} {
	return p.done
}

// HoldWaves stops the scheduler from starting the next wave. Tasks already
// dispatched run to completion; the wave loop idles at the gate until
// ReleaseWaves or Cancel.
func (p *Plane) HoldWaves() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = true
}

// ReleaseWaves lets the wave loop continue.
func (p *Plane) ReleaseWaves() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held {
		p.held = false
		close(p.releaseCh)
		p.releaseCh = make(chan struct{})
	}
}

// Held reports whether the next wave is currently gated.
func (p *Plane) Held() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// WaitBeforeWave blocks while waves are held. It returns the cancellation
// error if the mission is cancelled mid-hold, or ctx's error if the caller's
// context ends first.
func (p *Plane) WaitBeforeWave(ctx context.Context) error {
	for {
		if err := p.CheckCancelled(); err != nil {
			return err
		}
		p.mu.Lock()
		if !p.held {
			p.mu.Unlock()
			return nil
		}
		release := p.releaseCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return p.CheckCancelled()
		case <-release:
		}
	}
}

// AwaitInput surfaces req on the operator channel and blocks until Answer
// delivers a response, the mission is cancelled, or ctx ends. Request ids
// must be unique among in-flight prompts.
func (p *Plane) AwaitInput(ctx context.Context, req InputRequest) (InputResponse, error) {
	respCh := make(chan InputResponse, 1)

	p.inputMu.Lock()
	if _, exists := p.pending[req.ID]; exists {
		p.inputMu.Unlock()
		return InputResponse{}, fmt.Errorf("duplicate input request id %q", req.ID)
	}
	p.pending[req.ID] = respCh
	p.inputMu.Unlock()

	defer func() {
		p.inputMu.Lock()
		delete(p.pending, req.ID)
		p.inputMu.Unlock()
	}()

	cancelled := InputResponse{RequestID: req.ID, Cancelled: true}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return cancelled, ctx.Err()
	case <-p.done:
		return cancelled, p.CheckCancelled()
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return cancelled, ctx.Err()
	case <-p.done:
		return cancelled, p.CheckCancelled()
	}
}

// Answer delivers the operator's input for a pending request.
func (p *Plane) Answer(requestID, input string) error {
	p.inputMu.Lock()
	respCh, ok := p.pending[requestID]
	p.inputMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending input request with id %q", requestID)
	}

	select {
	case respCh <- InputResponse{RequestID: requestID, Input: input}:
		return nil
	default:
		return fmt.Errorf("input request %q already answered", requestID)
	}
}

// Requests returns the channel the operator side (the CLI prompt loop)
// consumes.
func (p *Plane) Requests() <-chan InputRequest {
	return p.requests
}
