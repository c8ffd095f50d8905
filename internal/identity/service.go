package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service authenticates users and issues session tokens.
type Service struct {
	dir       Directory
	tokens    *TokenIssuer
	federated FederatedVerifier
	logger    *zap.Logger
	cost      int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFederated enables federated sign-in.
func WithFederated(v FederatedVerifier) ServiceOption {
	return func(s *Service) { s.federated = v }
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) { s.cost = cost }
}

// NewService creates the authority.
func NewService(dir Directory, tokens *TokenIssuer, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{dir: dir, tokens: tokens, logger: logger, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignUp creates an email/password account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if len(password) < MinPasswordLength {
		return Session{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Session{}, err
	}

	u := User{
		Identity: Identity{
			UID:         uuid.NewString(),
			Email:       email,
			DisplayName: strings.TrimSpace(displayName),
		},
		PasswordHash: string(hash),
		Provider:     "password",
	}
	if err := s.dir.Create(ctx, u); err != nil {
		if !errors.Is(err, ErrEmailInUse) {
			s.logger.Error("create user failed", zap.Error(err))
		}
		return Session{}, err
	}

	s.logger.Info("user signed up", zap.String("uid", u.UID))
	return s.tokens.Issue(u.Identity)
}

// SignIn checks an email/password pair.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Session{}, ErrInvalidCredential
	}

	u, err := s.dir.ByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			s.logger.Error("lookup user failed", zap.Error(err))
			return Session{}, err
		}
		return Session{}, ErrInvalidCredential
	}
	if u.PasswordHash == "" {
		return Session{}, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredential
	}
	return s.tokens.Issue(u.Identity)
}

// SignInFederated verifies a provider credential and signs the user in,
// creating the account on first use.
func (s *Service) SignInFederated(ctx context.Context, provider, credential string) (Session, error) {
	if s.federated == nil {
		return Session{}, ErrFederatedUnavailable
	}
	id, err := s.federated.Verify(ctx, provider, credential)
	if err != nil {
		s.logger.Warn("federated sign-in rejected", zap.String("provider", provider), zap.Error(err))
		return Session{}, err
	}

	u, err := s.dir.UpsertFederated(ctx, User{Identity: id, Provider: provider})
	if err != nil {
		s.logger.Error("upsert federated user failed", zap.Error(err))
		return Session{}, err
	}
	return s.tokens.Issue(u.Identity)
}

// Restore validates a previously issued token against the directory.
func (s *Service) Restore(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Session{}, err
	}
	u, err := s.dir.ByUID(ctx, claims.Subject)
	if err != nil {
		return Session{}, ErrInvalidCredential
	}
	return Session{Identity: u.Identity, Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Authenticate verifies a bearer token without a directory round trip.
func (s *Service) Authenticate(token string) (Identity, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}

// UpdateDisplayName changes uid's display name and reissues its token.
func (s *Service) UpdateDisplayName(ctx context.Context, uid, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if err := s.dir.UpdateDisplayName(ctx, uid, name); err != nil {
		return Session{}, err
	}
	u, err := s.dir.ByUID(ctx, uid)
	if err != nil {
		return Session{}, err
	}
	return s.tokens.Issue(u.Identity)
}
