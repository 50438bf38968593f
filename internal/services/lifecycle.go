package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/models"
	"diagram-collab/internal/protocol"
	"diagram-collab/internal/repository"
	"diagram-collab/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// DefaultMaxCollaborators applies when a caller does not choose a capacity
	DefaultMaxCollaborators = 10

	inviteTokenBytes    = 32
	inviteTokenAttempts = 3
)

var anonymousAnimals = []string{
	"Otter", "Falcon", "Lynx", "Heron", "Badger", "Koala", "Puffin",
	"Ibex", "Marten", "Gecko", "Bison", "Narwhal", "Quokka", "Tapir",
}

// SessionOptions configures a new session. InviteExpiresAt wins over InviteTTL;
// neither set means the invite never expires.
type SessionOptions struct {
	MaxCollaborators int
	AllowAnonymous   bool
	IsPublic         bool
	InviteTTL        time.Duration
	InviteExpiresAt  *time.Time
}

// LifecycleManager owns session creation, admission and termination
type LifecycleManager struct {
	sessions      SessionRepository
	collaborators CollaboratorRepository
	broadcaster   *Broadcaster
	logger        *zap.Logger

	now           func() time.Time
	newToken      func() (string, error)
	inviteBaseURL string

	listenersMu sync.RWMutex
	onEnded     []func(sessionID string)
}

type LifecycleOption func(*LifecycleManager)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) LifecycleOption {
	return func(m *LifecycleManager) { m.now = now }
}

// WithTokenGenerator replaces the invite token source
func WithTokenGenerator(gen func() (string, error)) LifecycleOption {
	return func(m *LifecycleManager) { m.newToken = gen }
}

// WithInviteBaseURL sets the scheme and host prefixed to invite links
func WithInviteBaseURL(base string) LifecycleOption {
	return func(m *LifecycleManager) { m.inviteBaseURL = strings.TrimRight(base, "/") }
}

// OnSessionEnded registers fn to run after a session moves to ended.
// It runs once per session, on the goroutine that ended it.
func (m *LifecycleManager) OnSessionEnded(fn func(sessionID string)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onEnded = append(m.onEnded, fn)
}

func (m *LifecycleManager) notifyEnded(sessionID string) {
	m.listenersMu.RLock()
	listeners := append(([]func(string))(nil), m.onEnded...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(sessionID)
	}
}

func NewLifecycleManager(
	sessions SessionRepository,
	collaborators CollaboratorRepository,
	broadcaster *Broadcaster,
	logger *zap.Logger,
	opts ...LifecycleOption,
) *LifecycleManager {
	m := &LifecycleManager{
		sessions:      sessions,
		collaborators: collaborators,
		broadcaster:   broadcaster,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		newToken:      generateInviteToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// generateInviteToken returns 32 random bytes, URL-safe base64 encoded
func generateInviteToken() (string, error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateSession opens an active session over a diagram
func (m *LifecycleManager) CreateSession(ctx context.Context, diagramID, ownerID string, opts SessionOptions) (*models.Session, error) {
	ctx, span := middleware.StartSpan(ctx, "Lifecycle.CreateSession",
		attribute.String("diagram.id", diagramID),
		attribute.String("owner.id", ownerID),
	)
	defer span.End()

	switch {
	case strings.TrimSpace(diagramID) == "":
		return nil, &ValidationError{Field: "diagram_id", Message: "is required"}
	case strings.TrimSpace(ownerID) == "":
		return nil, &ValidationError{Field: "owner_id", Message: "is required"}
	case opts.MaxCollaborators < 1:
		return nil, &ValidationError{Field: "max_collaborators", Message: "must be at least 1"}
	case opts.InviteTTL < 0:
		return nil, &ValidationError{Field: "invite_ttl", Message: "must not be negative"}
	}

	now := m.now()
	expiresAt := opts.InviteExpiresAt
	if expiresAt == nil && opts.InviteTTL > 0 {
		t := now.Add(opts.InviteTTL)
		expiresAt = &t
	}

	var session *models.Session
	for attempt := 1; ; attempt++ {
		token, err := m.newToken()
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, err
		}
		session = &models.Session{
			DiagramID:        diagramID,
			OwnerID:          ownerID,
			Status:           models.SessionActive,
			StartedAt:        now,
			MaxCollaborators: opts.MaxCollaborators,
			AllowAnonymous:   opts.AllowAnonymous,
			InviteToken:      token,
			InviteExpiresAt:  expiresAt,
			IsPublic:         opts.IsPublic,
		}

		err = m.sessions.CreateSession(ctx, session)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrDuplicate) && attempt < inviteTokenAttempts {
			m.logger.Warn("invite token collision, regenerating", zap.Int("attempt", attempt))
			continue
		}
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	telemetry.SessionsCreated.Inc()
	m.logger.Info("✓ Session created",
		zap.String("session_id", session.SessionID),
		zap.String("diagram_id", diagramID),
		zap.String("owner_id", ownerID),
		zap.Int("max_collaborators", session.MaxCollaborators),
	)
	return session, nil
}

/*
Join checks run in a fixed order so the caller always learns the most
fundamental problem first:

  invalid token → expired (or ended) → paused → anonymous not allowed → full

Capacity is re-checked inside the store transaction that admits the
collaborator, so two concurrent joins cannot both take the last seat.
*/

// JoinSession consumes an invite. A nil identity joins anonymously.
func (m *LifecycleManager) JoinSession(ctx context.Context, sessionID, inviteToken string, identity *protocol.Identity) (*models.Collaborator, error) {
	ctx, span := middleware.StartSpan(ctx, "Lifecycle.JoinSession",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	c, err := m.join(ctx, sessionID, inviteToken, identity)
	if err != nil {
		var je *JoinError
		if errors.As(err, &je) {
			telemetry.JoinAttempts.WithLabelValues(string(je.Reason)).Inc()
			m.logger.Info("join refused",
				zap.String("session_id", sessionID),
				zap.String("reason", string(je.Reason)),
			)
		} else {
			telemetry.JoinAttempts.WithLabelValues("error").Inc()
			middleware.AddSpanError(ctx, err)
		}
		return nil, err
	}

	telemetry.JoinAttempts.WithLabelValues("ok").Inc()
	return c, nil
}

func (m *LifecycleManager) join(ctx context.Context, sessionID, inviteToken string, identity *protocol.Identity) (*models.Collaborator, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, joinError(ReasonInvalidToken, sessionID)
		}
		return nil, err
	}

	now := m.now()
	if subtle.ConstantTimeCompare([]byte(inviteToken), []byte(session.InviteToken)) != 1 {
		return nil, joinError(ReasonInvalidToken, sessionID)
	}
	if !session.IsInviteValid(now) || session.IsEnded() {
		return nil, joinError(ReasonExpired, sessionID)
	}
	if session.IsPaused() {
		return nil, joinError(ReasonSessionPaused, sessionID)
	}
	anonymous := identity == nil || identity.ID == ""
	if anonymous && !session.AllowAnonymous {
		return nil, joinError(ReasonAnonymousNotAllowed, sessionID)
	}

	candidate := models.NewCollaborator(sessionID, models.RoleViewer, now)
	if anonymous {
		name, color := anonymousIdentity()
		candidate.AnonymousName = &name
		candidate.AnonymousColor = &color
	} else {
		userID := identity.ID
		candidate.UserID = &userID
		candidate.DisplayName = identity.DisplayName
		if userID == session.OwnerID {
			candidate.Role = models.RoleOwner
		}
	}

	admitted, created, err := m.collaborators.AdmitCollaborator(ctx, candidate, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrCapacityReached):
		return nil, joinError(ReasonFull, sessionID)
	case errors.Is(err, repository.ErrSessionNotActive):
		// status changed between the checks above and the admission transaction
		if current, gerr := m.sessions.GetSession(ctx, sessionID); gerr == nil && current.IsPaused() {
			return nil, joinError(ReasonSessionPaused, sessionID)
		}
		return nil, joinError(ReasonExpired, sessionID)
	case errors.Is(err, repository.ErrNotFound):
		return nil, joinError(ReasonInvalidToken, sessionID)
	default:
		return nil, fmt.Errorf("failed to admit collaborator: %w", err)
	}

	m.logger.Info("✓ Collaborator joined",
		zap.String("session_id", sessionID),
		zap.String("collaborator_id", admitted.ID),
		zap.String("role", string(admitted.Role)),
		zap.Bool("anonymous", admitted.IsAnonymous()),
		zap.Bool("new_row", created),
	)
	m.broadcaster.emitQuietly(ctx, sessionID, userIDOf(admitted), protocol.UserJoined{User: eventUser(admitted)}, now)
	return admitted, nil
}

// LeaveSession marks a collaborator offline. Leaving twice is a no-op.
func (m *LifecycleManager) LeaveSession(ctx context.Context, sessionID, collaboratorID string) error {
	ctx, span := middleware.StartSpan(ctx, "Lifecycle.LeaveSession",
		attribute.String("session.id", sessionID),
		attribute.String("collaborator.id", collaboratorID),
	)
	defer span.End()

	c, err := m.collaborators.GetCollaborator(ctx, collaboratorID)
	if err != nil {
		return err
	}
	if c.SessionID != sessionID {
		return repository.ErrNotFound
	}

	now := m.now()
	changed, err := m.collaborators.MarkOffline(ctx, collaboratorID, now)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if !changed {
		return nil
	}

	m.logger.Info("Collaborator left",
		zap.String("session_id", sessionID),
		zap.String("collaborator_id", collaboratorID),
	)
	m.broadcaster.emitQuietly(ctx, sessionID, userIDOf(c), protocol.UserLeft{User: eventUser(c)}, now)
	return nil
}

// EndSession terminates a session and forces every collaborator offline in
// one store update. Ending an ended session leaves ended_at untouched.
func (m *LifecycleManager) EndSession(ctx context.Context, sessionID string) error {
	return m.endSession(ctx, sessionID, "owner")
}

func (m *LifecycleManager) endSession(ctx context.Context, sessionID, reason string) error {
	ctx, span := middleware.StartSpan(ctx, "Lifecycle.EndSession",
		attribute.String("session.id", sessionID),
		attribute.String("reason", reason),
	)
	defer span.End()

	ended, err := m.sessions.EndSession(ctx, sessionID, m.now())
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if ended {
		telemetry.SessionsEnded.WithLabelValues(reason).Inc()
		m.logger.Info("🛑 Session ended",
			zap.String("session_id", sessionID),
			zap.String("reason", reason),
		)
		m.notifyEnded(sessionID)
	}
	return nil
}

// EndSessionsForDiagram ends every open session of a diagram that is being
// deleted. It returns how many sessions it ended.
func (m *LifecycleManager) EndSessionsForDiagram(ctx context.Context, diagramID string) (int, error) {
	open, err := m.sessions.ListOpenByDiagram(ctx, diagramID)
	if err != nil {
		return 0, err
	}

	var errs []error
	ended := 0
	for _, s := range open {
		if err := m.endSession(ctx, s.SessionID, "diagram_deleted"); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.SessionID, err))
			continue
		}
		ended++
	}
	return ended, errors.Join(errs...)
}

// PauseSession moves an active session to paused. Pausing a paused session is a no-op.
func (m *LifecycleManager) PauseSession(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, models.SessionActive, models.SessionPaused)
}

// ResumeSession moves a paused session back to active
func (m *LifecycleManager) ResumeSession(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, models.SessionPaused, models.SessionActive)
}

func (m *LifecycleManager) transition(ctx context.Context, sessionID string, from, to models.SessionStatus) error {
	changed, err := m.sessions.TransitionStatus(ctx, sessionID, from, to)
	if err != nil {
		return err
	}
	if changed {
		m.logger.Info("Session status changed",
			zap.String("session_id", sessionID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return nil
	}

	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.IsEnded() {
		return ErrSessionEnded
	}
	return nil
}

// PromoteToEditor upgrades a viewer. Any other role reports false.
func (m *LifecycleManager) PromoteToEditor(ctx context.Context, collaboratorID string) (bool, error) {
	return m.collaborators.ChangeRole(ctx, collaboratorID, models.RoleViewer, models.RoleEditor)
}

// DemoteToViewer downgrades an editor. Any other role reports false.
func (m *LifecycleManager) DemoteToViewer(ctx context.Context, collaboratorID string) (bool, error) {
	return m.collaborators.ChangeRole(ctx, collaboratorID, models.RoleEditor, models.RoleViewer)
}

// GetSession returns a session with a freshly recounted active_users_count
func (m *LifecycleManager) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if _, err := m.sessions.RefreshActiveCount(ctx, sessionID, m.now()); err != nil {
		return nil, err
	}
	return m.sessions.GetSession(ctx, sessionID)
}

// ListCollaborators returns every collaborator with its effective presence
func (m *LifecycleManager) ListCollaborators(ctx context.Context, sessionID string) ([]*models.Collaborator, error) {
	if _, err := m.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	list, err := m.collaborators.ListCollaborators(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, c := range list {
		c.Status = models.EffectiveStatus(c, now)
	}
	return list, nil
}

// GetCollaborator returns one collaborator with its effective presence
func (m *LifecycleManager) GetCollaborator(ctx context.Context, collaboratorID string) (*models.Collaborator, error) {
	c, err := m.collaborators.GetCollaborator(ctx, collaboratorID)
	if err != nil {
		return nil, err
	}
	c.Status = models.EffectiveStatus(c, m.now())
	return c, nil
}

// RegenerateInvite replaces the invite token; ttl <= 0 removes the expiry
func (m *LifecycleManager) RegenerateInvite(ctx context.Context, sessionID string, ttl time.Duration) (*models.Session, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsEnded() {
		return nil, ErrSessionEnded
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := m.now().Add(ttl)
		expiresAt = &t
	}

	for attempt := 1; ; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return nil, err
		}
		err = m.sessions.UpdateInvite(ctx, sessionID, token, expiresAt)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrDuplicate) && attempt < inviteTokenAttempts {
			continue
		}
		return nil, fmt.Errorf("failed to regenerate invite: %w", err)
	}

	m.logger.Info("Invite regenerated", zap.String("session_id", sessionID))
	return m.sessions.GetSession(ctx, sessionID)
}

// InviteURL builds the shareable join link of a session
func (m *LifecycleManager) InviteURL(s *models.Session) string {
	q := url.Values{}
	q.Set("sessionId", s.SessionID)
	q.Set("token", s.InviteToken)
	return m.inviteBaseURL + "/api/sessions/join?" + q.Encode()
}

// Authorize checks that a user may perform an action in a session.
// The session owner may do anything; everyone else needs a present
// collaborator row whose permissions allow the action. Once a session has
// ended nobody may edit or invite.
func (m *LifecycleManager) Authorize(ctx context.Context, sessionID, userID string, action models.Action) (*models.Collaborator, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsEnded() && action.Mutates() {
		return nil, ErrSessionEnded
	}

	c, err := m.collaborators.FindCollaborator(ctx, sessionID, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if userID != "" && userID == s.OwnerID {
		return c, nil
	}
	if c == nil || c.Status == models.PresenceOffline || !c.Can(action) {
		return nil, ErrForbidden
	}
	return c, nil
}

func anonymousIdentity() (name, color string) {
	name = "Anonymous " + anonymousAnimals[mrand.IntN(len(anonymousAnimals))]
	color = models.AnonymousPalette[mrand.IntN(len(models.AnonymousPalette))]
	return name, color
}

func userIDOf(c *models.Collaborator) string {
	if c.UserID != nil {
		return *c.UserID
	}
	return c.ID
}

func eventUser(c *models.Collaborator) protocol.User {
	u := protocol.User{
		ID:             userIDOf(c),
		CollaboratorID: c.ID,
		Name:           c.Name(),
		Role:           string(c.Role),
		Anonymous:      c.IsAnonymous(),
	}
	if c.AnonymousColor != nil {
		u.Color = *c.AnonymousColor
	}
	return u
}
