// Package session tracks whether a dashboard connection is signed in.
//
// The gate only changes state when the identity provider announces a session
// change. Login, signup and the rest are requests; their outcome arrives as
// the next announcement and their error is kept only as a message to show.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/identity"
)

// Status is the gate's three-state flag.
type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// Provider is the identity collaborator as seen by one connection.
type Provider interface {
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password, displayName string) error
	SignInWithProvider(ctx context.Context, provider, credential string) error
	SignOut(ctx context.Context) error
	UpdateDisplayName(ctx context.Context, name string) error
	Changes() <-chan *identity.Session
}

// State is a read of the gate.
type State struct {
	Status   Status             `json:"status"`
	Identity *identity.Identity `json:"identity,omitempty"`
	Token    string             `json:"-"`
	// Error is the message from the last failed request.
	Error string `json:"error,omitempty"`
}

// UID returns the signed-in user id, empty when not authenticated.
func (s State) UID() string {
	if s.Status != StatusAuthenticated || s.Identity == nil {
		return ""
	}
	return s.Identity.UID
}

// Gate translates provider announcements into State.
type Gate struct {
	provider Provider
	logger   *zap.Logger
	onChange func(State)

	mu    sync.Mutex
	state State
}

// NewGate creates a gate in the Loading state. onChange runs after every
// transition on the goroutine that called Run.
func NewGate(p Provider, logger *zap.Logger, onChange func(State)) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		provider: p,
		logger:   logger,
		onChange: onChange,
		state:    State{Status: StatusLoading},
	}
}

// Run consumes announcements until the provider closes its change stream.
func (g *Gate) Run() {
	for s := range g.provider.Changes() {
		g.observe(s)
	}
}

func (g *Gate) observe(s *identity.Session) {
	g.mu.Lock()
	if s == nil {
		g.state = State{Status: StatusUnauthenticated, Error: g.state.Error}
	} else {
		id := s.Identity
		g.state = State{Status: StatusAuthenticated, Identity: &id, Token: s.Token}
	}
	st := g.state
	g.mu.Unlock()

	g.logger.Debug("session changed", zap.String("status", string(st.Status)), zap.String("uid", st.UID()))
	if g.onChange != nil {
		g.onChange(st)
	}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Login(ctx context.Context, email, password string) error {
	return g.record(g.provider.SignIn(ctx, email, password))
}

func (g *Gate) Signup(ctx context.Context, email, password, displayName string) error {
	return g.record(g.provider.SignUp(ctx, email, password, displayName))
}

func (g *Gate) Federated(ctx context.Context, provider, credential string) error {
	return g.record(g.provider.SignInWithProvider(ctx, provider, credential))
}

func (g *Gate) Logout(ctx context.Context) error {
	return g.record(g.provider.SignOut(ctx))
}

func (g *Gate) UpdateDisplayName(ctx context.Context, name string) error {
	return g.record(g.provider.UpdateDisplayName(ctx, name))
}

// record stores the display message of err, clearing it on success.
func (g *Gate) record(err error) error {
	g.mu.Lock()
	g.state.Error = identity.Message(err)
	g.mu.Unlock()
	if err != nil {
		g.logger.Info("identity request failed", zap.Error(err))
	}
	return err
}
