package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/auth-session-api/internal/events"
	"github.com/noah-isme/auth-session-api/internal/models"
	"github.com/noah-isme/auth-session-api/internal/repository"
	"github.com/noah-isme/auth-session-api/internal/store"
	"github.com/noah-isme/auth-session-api/internal/token"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
)

const (
	eventLogin   = "login"
	eventRefresh = "refresh"
	eventLogout  = "logout"

	outcomeSuccess = "success"
)

type authUserRepository interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// AuthService issues, rotates and revokes token pairs.
type AuthService struct {
	users     authUserRepository
	store     store.RefreshTokenStore
	tokens    *token.Pair
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	events    events.Publisher
	tracer    trace.Tracer
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithMetrics records login, refresh and logout outcomes.
func WithMetrics(metrics *MetricsService) AuthOption {
	return func(s *AuthService) { s.metrics = metrics }
}

// WithEvents publishes lifecycle events.
func WithEvents(publisher events.Publisher) AuthOption {
	return func(s *AuthService) {
		if publisher != nil {
			s.events = publisher
		}
	}
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, refreshStore store.RefreshTokenStore, tokens *token.Pair, validate *validator.Validate, logger *zap.Logger, opts ...AuthOption) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	s := &AuthService{
		users:     users,
		store:     refreshStore,
		tokens:    tokens,
		validator: validate,
		logger:    logger,
		events:    events.NopPublisher{},
		tracer:    otel.Tracer("auth-service"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates a user and returns a fresh token pair. Unknown users and
// wrong credentials produce the same error.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (res *models.LoginResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login", trace.WithAttributes(attribute.String("auth.username", req.Username)))
	audit := events.Event{Username: req.Username, IP: req.IP, UserAgent: req.UserAgent}
	defer func() { s.finish(ctx, span, eventLogin, &audit, err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidCredentials.Code, appErrors.ErrInvalidCredentials.Status, appErrors.ErrInvalidCredentials.Message)
	}

	user, err := s.users.FindByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.burnCompare(req.Password)
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	audit.UserID = user.ID

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.ErrInvalidCredentials
	}

	accessToken, _, err := s.tokens.Access.Encode(token.AccessClaims(user.ID, user.Username, string(user.Role)))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshToken, expiresAt, err := s.tokens.Refresh.Encode(token.RefreshClaims(user.ID, user.Username))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	if err := s.store.Add(ctx, refreshToken, expiresAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.LoginResponse{
		User:         user.Info(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// Refresh consumes a whitelisted refresh token and returns its successor pair.
// A token that was never issued and one already consumed are reported alike,
// as are expired and malformed tokens.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (res *models.TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	audit := events.Event{IP: req.IP, UserAgent: req.UserAgent}
	defer func() { s.finish(ctx, span, eventRefresh, &audit, err) }()

	if req.RefreshToken == "" {
		return nil, appErrors.ErrMissingToken
	}

	known, err := s.store.Contains(ctx, req.RefreshToken)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check refresh token")
	}
	if !known {
		return nil, appErrors.ErrTokenNotRecognized
	}

	claims, err := s.tokens.Refresh.Decode(req.RefreshToken)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTokenExpiredOrInvalid.Code, appErrors.ErrTokenExpiredOrInvalid.Status, appErrors.ErrTokenExpiredOrInvalid.Message)
	}
	audit.UserID, audit.Username = claims.UserID, claims.Username
	span.SetAttributes(attribute.String("auth.username", claims.Username))

	role, err := s.lookupRole(ctx, claims.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	accessToken, _, err := s.tokens.Access.Encode(token.AccessClaims(claims.UserID, claims.Username, role))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshToken, expiresAt, err := s.tokens.Refresh.Encode(token.RefreshClaims(claims.UserID, claims.Username))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	rotated, err := s.store.Rotate(ctx, req.RefreshToken, refreshToken, expiresAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}
	if !rotated {
		// Consumed by a concurrent refresh between Contains and Rotate.
		return nil, appErrors.ErrTokenNotRecognized
	}

	return &models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Logout removes the refresh token from the whitelist. It accepts any input,
// including tokens that were never issued, and never fails.
func (s *AuthService) Logout(ctx context.Context, req models.RefreshTokenRequest) {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	if req.RefreshToken != "" {
		if err := s.store.Remove(ctx, req.RefreshToken); err != nil {
			span.RecordError(err)
			s.logger.Warn("failed to remove refresh token", zap.Error(err))
		}
	}

	s.metrics.RecordAuthEvent(eventLogout, outcomeSuccess)
	s.publish(ctx, events.Event{Type: events.TypeLogout, IP: req.IP, UserAgent: req.UserAgent})
}

// ValidateAccessToken verifies an access token. Expired, tampered and malformed
// tokens are all reported as Unauthorized.
func (s *AuthService) ValidateAccessToken(raw string) (*token.Claims, error) {
	claims, err := s.tokens.Access.Decode(raw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired access token")
	}
	return claims, nil
}

func (s *AuthService) lookupRole(ctx context.Context, userID string) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(user.Role), nil
}

// burnCompare spends roughly one bcrypt comparison so unknown usernames take
// as long as wrong passwords.
func (s *AuthService) burnCompare(password string) {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
		if err == nil {
			s.dummyHash = hash
		}
	})
	if s.dummyHash != nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
	}
}

func (s *AuthService) finish(ctx context.Context, span trace.Span, event string, audit *events.Event, err error) {
	defer span.End()

	outcome := outcomeSuccess
	if err != nil {
		outcome = strings.ToLower(appErrors.Kind(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.RecordAuthEvent(event, outcome)

	switch {
	case event == eventLogin && err == nil:
		audit.Type = events.TypeLogin
	case event == eventLogin:
		audit.Type = events.TypeLoginFailed
		audit.Reason = outcome
	case err == nil:
		audit.Type = events.TypeRefresh
	default:
		audit.Type = events.TypeRefreshRejected
		audit.Reason = outcome
	}
	s.publish(ctx, *audit)

	fields := []zap.Field{zap.String("event", event), zap.String("outcome", outcome), zap.String("username", audit.Username)}
	if appErrors.Kind(err) == appErrors.ErrInternal.Code {
		s.logger.Error("auth operation failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("auth operation", fields...)
}

func (s *AuthService) publish(ctx context.Context, evt events.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.now().UTC()
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish auth event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}
