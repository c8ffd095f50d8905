package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client is one connection's view of the authority. Every successful
// operation, sign-out and token expiry is announced on Changes; callers learn
// the outcome of a request from the next change, and the returned error is
// only a message to display.
type Client struct {
	svc    *Service
	logger *zap.Logger

	mu      sync.Mutex
	current *Session
	expiry  *time.Timer

	emitMu  sync.Mutex
	closed  bool
	changes chan *Session
}

// NewClient creates a client bound to svc.
func NewClient(svc *Service, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{svc: svc, logger: logger, changes: make(chan *Session, 4)}
}

// Changes delivers the session after every change; nil means signed out.
func (c *Client) Changes() <-chan *Session { return c.changes }

// Start announces the initial session: the one restored from token when it is
// valid, otherwise none.
func (c *Client) Start(ctx context.Context, token string) {
	if token != "" {
		if err := c.Restore(ctx, token); err == nil {
			return
		}
	}
	c.set(nil)
}

// Restore resumes a session from a token issued earlier.
func (c *Client) Restore(ctx context.Context, token string) error {
	s, err := c.svc.Restore(ctx, token)
	if err != nil {
		c.logger.Debug("session restore rejected", zap.Error(err))
		return err
	}
	c.set(&s)
	return nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) error {
	return c.apply(c.svc.SignIn(ctx, email, password))
}

func (c *Client) SignUp(ctx context.Context, email, password, displayName string) error {
	return c.apply(c.svc.SignUp(ctx, email, password, displayName))
}

func (c *Client) SignInWithProvider(ctx context.Context, provider, credential string) error {
	return c.apply(c.svc.SignInFederated(ctx, provider, credential))
}

// SignOut ends the session.
func (c *Client) SignOut(_ context.Context) error {
	c.set(nil)
	return nil
}

// UpdateDisplayName renames the signed-in user.
func (c *Client) UpdateDisplayName(ctx context.Context, name string) error {
	cur := c.Current()
	if cur == nil {
		return ErrSessionExpired
	}
	return c.apply(c.svc.UpdateDisplayName(ctx, cur.Identity.UID, name))
}

// Current returns the active session, if any.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	s := *c.current
	return &s
}

// Close stops expiry tracking and closes Changes.
func (c *Client) Close() {
	c.mu.Lock()
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.changes)
	}
}

func (c *Client) apply(s Session, err error) error {
	if err != nil {
		return err
	}
	c.set(&s)
	return nil
}

func (c *Client) set(s *Session) {
	c.mu.Lock()
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	c.current = s
	if s != nil && !s.ExpiresAt.IsZero() {
		token := s.Token
		c.expiry = time.AfterFunc(time.Until(s.ExpiresAt), func() { c.expire(token) })
	}
	c.mu.Unlock()
	c.emit(s)
}

func (c *Client) expire(token string) {
	c.mu.Lock()
	if c.current == nil || c.current.Token != token {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.expiry = nil
	c.mu.Unlock()
	c.logger.Info("session expired")
	c.emit(nil)
}

func (c *Client) emit(s *Session) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return
	}
	var out *Session
	if s != nil {
		cp := *s
		out = &cp
	}
	c.changes <- out
}

// Message renders err for display. Unknown errors collapse to a generic text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range []error{
		ErrInvalidCredential, ErrEmailInUse, ErrWeakPassword, ErrInvalidEmail,
		ErrUserNotFound, ErrSessionExpired, ErrFederatedUnavailable, ErrFederatedRejected,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "Something went wrong. Please try again."
}
