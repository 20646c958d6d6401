// Package conversation manages suspended flow runs that wait for
// external input. A suspension produces an opaque resume token; the
// run stays PAUSED until the token is redeemed, the conversation is
// cancelled, or it times out.
package conversation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/stream"
)

// DefaultTimeout is the suspension lifetime applied when a suspension
// does not set one.
const DefaultTimeout = 24 * time.Hour

// tokenBytes is the entropy of a resume token before encoding.
const tokenBytes = 32

// FlowController is the slice of the engine the manager needs.
// *flow.Engine satisfies it.
type FlowController interface {
	// Pause suspends a run and returns once it is durably paused.
	Pause(ctx context.Context, flowID string) error

	// Resume continues a paused run with extra variables.
	Resume(ctx context.Context, flowID string, variables map[string]any) error

	// Cancel aborts a run.
	Cancel(ctx context.Context, flowID string) error
}

// State is the lifecycle of a conversation. WAITING is the only
// non-terminal state.
type State string

const (
	StateWaiting   State = "WAITING"
	StateResumed   State = "RESUMED"
	StateCancelled State = "CANCELLED"
	StateTimedOut  State = "TIMED_OUT"
)

// Conversation is one suspended interaction.
type Conversation struct {
	// ID identifies the conversation; supplied by the caller
	ID string `json:"id"`

	// FlowID is the suspended run
	FlowID string `json:"flowId"`

	// Token is the opaque resume credential; never logged
	Token string `json:"-"`

	// Form describes the input the conversation is waiting for
	Form map[string]any `json:"form,omitempty"`

	// FormData is the input submitted at resumption
	FormData map[string]any `json:"formData,omitempty"`

	// State is the conversation lifecycle state
	State State `json:"state"`

	// CreatedAt is the suspension time
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt is the deadline for resumption
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *Conversation) copy() *Conversation {
	cp := *c
	if c.Form != nil {
		cp.Form = make(map[string]any, len(c.Form))
		for k, v := range c.Form {
			cp.Form[k] = v
		}
	}
	if c.FormData != nil {
		cp.FormData = make(map[string]any, len(c.FormData))
		for k, v := range c.FormData {
			cp.FormData[k] = v
		}
	}
	return &cp
}

// Stats summarizes the manager's population.
type Stats struct {
	Waiting   int `json:"waiting"`
	Resumed   int `json:"resumed"`
	Cancelled int `json:"cancelled"`
	TimedOut  int `json:"timedOut"`
}

// Manager tracks suspended conversations. Both indexes (by id and by
// token) live under one mutex so they can never disagree; every
// eviction removes from both atomically.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*Conversation
	byToken map[string]*Conversation
	stats   Stats

	flows   FlowController
	bus     *stream.Bus
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the suspension lifetime used when Suspend is called
// without one.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.timeout = timeout }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a conversation manager.
func NewManager(flows FlowController, bus *stream.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		byID:    make(map[string]*Conversation),
		byToken: make(map[string]*Conversation),
		flows:   flows,
		bus:     bus,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  log.WithComponent(logger, "conversation-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Suspend pauses the run and registers a conversation waiting on the
// described form until the given timeout elapses (the manager default
// applies when timeout is not positive). The returned conversation
// carries the resume token; this is the only place the token is handed
// out.
func (m *Manager) Suspend(ctx context.Context, conversationID, flowID string, form map[string]any, timeout time.Duration) (*Conversation, error) {
	if conversationID == "" {
		return nil, &errors.ValidationError{
			Field:      "conversationId",
			Message:    "conversation id cannot be empty",
			Suggestion: "supply a stable identifier for the conversation",
		}
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	m.mu.Lock()
	_, exists := m.byID[conversationID]
	m.mu.Unlock()
	if exists {
		return nil, &errors.ConflictError{Resource: "conversation", ID: conversationID}
	}

	if err := m.flows.Pause(ctx, flowID); err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate resume token")
	}

	now := m.now()
	conv := &Conversation{
		ID:        conversationID,
		FlowID:    flowID,
		Token:     token,
		Form:      form,
		State:     StateWaiting,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	m.mu.Lock()
	if _, exists := m.byID[conversationID]; exists {
		m.mu.Unlock()
		return nil, &errors.ConflictError{Resource: "conversation", ID: conversationID}
	}
	m.byID[conv.ID] = conv
	m.byToken[token] = conv
	m.stats.Waiting++
	m.mu.Unlock()

	m.emit(ctx, stream.NewSuspend(conv.ID, flowID, token, form, conv.ExpiresAt))
	m.logger.Info("conversation suspended",
		log.ConversationIDKey, conv.ID,
		log.FlowIDKey, flowID,
		"expires_at", conv.ExpiresAt)
	return conv.copy(), nil
}

// Resume redeems a token, attaches the submitted form data, and
// continues the run. A token transitions its conversation exactly once;
// after that it stays a lookup handle but redeems as not found.
// Expired or unknown tokens fail without revealing which.
func (m *Manager) Resume(ctx context.Context, token string, formData map[string]any) (*Conversation, error) {
	m.mu.Lock()
	conv, ok := m.byToken[token]
	if ok && conv.State == StateWaiting && m.now().After(conv.ExpiresAt) {
		m.transition(conv, StateTimedOut)
		m.evict(conv)
		flowID, convID := conv.FlowID, conv.ID
		m.mu.Unlock()
		m.expireRun(ctx, convID, flowID)
		return nil, &errors.NotFoundError{Resource: "conversation", ID: "token"}
	}
	if !ok || conv.State != StateWaiting {
		m.mu.Unlock()
		return nil, &errors.NotFoundError{Resource: "conversation", ID: "token"}
	}
	m.transition(conv, StateResumed)
	conv.FormData = formData
	cp := conv.copy()
	flowID, convID := conv.FlowID, conv.ID
	m.mu.Unlock()

	if err := m.flows.Resume(ctx, flowID, formData); err != nil {
		return nil, err
	}

	m.emit(ctx, stream.NewResume(convID, formData))
	m.logger.Info("conversation resumed",
		log.ConversationIDKey, convID, log.FlowIDKey, flowID)
	return cp, nil
}

// Cancel abandons a waiting conversation, evicts it, and stops its run.
func (m *Manager) Cancel(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	conv, ok := m.byID[conversationID]
	if !ok || conv.State != StateWaiting {
		m.mu.Unlock()
		return &errors.NotFoundError{Resource: "conversation", ID: conversationID}
	}
	m.transition(conv, StateCancelled)
	m.evict(conv)
	flowID := conv.FlowID
	m.mu.Unlock()

	if err := m.flows.Cancel(ctx, flowID); err != nil {
		return err
	}

	m.emit(ctx, stream.NewInteractionCancel(conversationID))
	m.logger.Info("conversation cancelled",
		log.ConversationIDKey, conversationID, log.FlowIDKey, flowID)
	return nil
}

// Complete evicts a resumed conversation from both indexes once its
// run no longer needs it.
func (m *Manager) Complete(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[conversationID]
	if !ok || conv.State != StateResumed {
		return &errors.NotFoundError{Resource: "conversation", ID: conversationID}
	}
	m.evict(conv)
	m.logger.Debug("conversation completed", log.ConversationIDKey, conversationID)
	return nil
}

// Get returns a conversation by id, without the token.
func (m *Manager) Get(conversationID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[conversationID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "conversation", ID: conversationID}
	}
	cp := conv.copy()
	cp.Token = ""
	return cp, nil
}

// CleanupExpired times out waiting conversations past their deadline,
// evicts them, and cancels their runs. It returns the number retired.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var expired []*Conversation
	for _, conv := range m.byID {
		if conv.State == StateWaiting && now.After(conv.ExpiresAt) {
			m.transition(conv, StateTimedOut)
			m.evict(conv)
			expired = append(expired, conv)
		}
	}
	m.mu.Unlock()

	for _, conv := range expired {
		m.expireRun(ctx, conv.ID, conv.FlowID)
	}
	return len(expired)
}

// StartSweeper runs CleanupExpired on the given interval until the
// context is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired(ctx)
			}
		}
	}()
}

// Stats returns population counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	return stats
}

// transition moves a conversation out of WAITING. Caller holds the
// mutex.
func (m *Manager) transition(conv *Conversation, to State) {
	conv.State = to
	m.stats.Waiting--
	switch to {
	case StateResumed:
		m.stats.Resumed++
	case StateCancelled:
		m.stats.Cancelled++
	case StateTimedOut:
		m.stats.TimedOut++
	}
}

// evict removes a conversation from both indexes. Caller holds the
// mutex.
func (m *Manager) evict(conv *Conversation) {
	delete(m.byID, conv.ID)
	delete(m.byToken, conv.Token)
}

// expireRun stops the run backing a timed-out conversation.
func (m *Manager) expireRun(ctx context.Context, conversationID, flowID string) {
	if err := m.flows.Cancel(ctx, flowID); err != nil {
		m.logger.Warn("failed to cancel run of timed-out conversation",
			log.ConversationIDKey, conversationID,
			log.FlowIDKey, flowID,
			"error", err)
	}
	m.emit(ctx, stream.NewInteractionCancel(conversationID))
	m.logger.Info("conversation timed out",
		log.ConversationIDKey, conversationID, log.FlowIDKey, flowID)
}

func (m *Manager) emit(ctx context.Context, event *stream.Event) {
	if m.bus != nil {
		m.bus.Emit(context.WithoutCancel(ctx), event)
	}
}

// newToken returns an opaque URL-safe token with 256 bits of entropy.
func newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
