// Package memstore is an in-process implementation of the session, collaborator
// and event repositories. It backs STORE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"diagram-collab/internal/models"
	"diagram-collab/internal/repository"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
	"gorm.io/datatypes"
)

type memberKey struct {
	sessionID string
	userID    string
}

// Store keeps every table in maps guarded by one mutex.
// Values are cloned on the way in and out.
type Store struct {
	mu sync.Mutex

	sessions      map[string]*models.Session
	inviteTokens  map[string]string // token -> session id
	collaborators map[string]*models.Collaborator
	byMember      map[memberKey]string // (session, user) -> collaborator id
	events        map[string][]*models.SessionEvent
}

func New() *Store {
	return &Store{
		sessions:      make(map[string]*models.Session),
		inviteTokens:  make(map[string]string),
		collaborators: make(map[string]*models.Collaborator),
		byMember:      make(map[memberKey]string),
		events:        make(map[string][]*models.SessionEvent),
	}
}

// Sessions

func (s *Store) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	if _, ok := s.sessions[session.SessionID]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := s.inviteTokens[session.InviteToken]; ok {
		return repository.ErrDuplicate
	}

	now := time.Now()
	session.CreatedAt, session.UpdatedAt = now, now
	s.sessions[session.SessionID] = session.Clone()
	s.inviteTokens[session.InviteToken] = session.SessionID
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *Store) UpdateInvite(_ context.Context, sessionID, token string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if owner, taken := s.inviteTokens[token]; taken && owner != sessionID {
		return repository.ErrDuplicate
	}
	delete(s.inviteTokens, session.InviteToken)
	session.InviteToken = token
	session.InviteExpiresAt = nil
	if expiresAt != nil {
		t := *expiresAt
		session.InviteExpiresAt = &t
	}
	s.inviteTokens[token] = sessionID
	session.UpdatedAt = time.Now()
	return nil
}

func (s *Store) TransitionStatus(_ context.Context, sessionID string, from, to models.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if session.Status != from {
		return false, nil
	}
	session.Status = to
	session.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) EndSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if session.IsEnded() {
		return false, nil
	}

	endedAt := at
	session.Status = models.SessionEnded
	session.EndedAt = &endedAt
	session.ActiveUsersCount = 0
	session.UpdatedAt = at

	for _, c := range s.collaborators {
		if c.SessionID != sessionID || c.Status == models.PresenceOffline {
			continue
		}
		leftAt := at
		c.Status = models.PresenceOffline
		c.LeftAt = &leftAt
		c.UpdatedAt = at
	}
	return true, nil
}

func (s *Store) RefreshActiveCount(_ context.Context, sessionID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return 0, repository.ErrNotFound
	}
	return s.recountLocked(sessionID, now), nil
}

func (s *Store) ListExpiredActive(_ context.Context, now time.Time) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.IsExpired(now) {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InviteExpiresAt.Before(*out[j].InviteExpiresAt)
	})
	return out, nil
}

func (s *Store) ListOpenByDiagram(_ context.Context, diagramID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.DiagramID == diagramID && !session.IsEnded() {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, now time.Time) (*models.SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.SessionStats{GeneratedAt: now}
	for _, session := range s.sessions {
		switch session.Status {
		case models.SessionActive:
			stats.ActiveSessions++
		case models.SessionPaused:
			stats.PausedSessions++
		case models.SessionEnded:
			stats.EndedSessions++
		}
		if session.IsExpired(now) {
			stats.ExpiredActive++
		}
	}
	for _, c := range s.collaborators {
		if models.IsOnline(c, now) {
			stats.OnlineCollaborators++
		}
	}
	return stats, nil
}

// Collaborators

func (s *Store) AdmitCollaborator(_ context.Context, candidate *models.Collaborator, now time.Time) (*models.Collaborator, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[candidate.SessionID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if !session.IsActive() {
		return nil, false, repository.ErrSessionNotActive
	}

	var existing *models.Collaborator
	if candidate.UserID != nil {
		if id, ok := s.byMember[memberKey{candidate.SessionID, *candidate.UserID}]; ok {
			existing = s.collaborators[id]
		}
	}

	if existing != nil && models.IsOnline(existing, now) {
		existing.LastSeenAt = now
		return existing.Clone(), false, nil
	}

	if s.countOnlineLocked(session.SessionID, now) >= session.MaxCollaborators {
		return nil, false, repository.ErrCapacityReached
	}

	created := false
	if existing != nil {
		existing.Status = models.PresenceOnline
		existing.LastSeenAt = now
		existing.LeftAt = nil
		existing.UpdatedAt = now
		if candidate.DisplayName != "" {
			existing.DisplayName = candidate.DisplayName
		}
		if candidate.Role == models.RoleOwner {
			existing.Role = models.RoleOwner
		}
	} else {
		if candidate.ID == "" {
			candidate.ID = ksuid.New().String()
		}
		candidate.CreatedAt, candidate.UpdatedAt = now, now
		existing = candidate.Clone()
		s.collaborators[existing.ID] = existing
		if existing.UserID != nil {
			s.byMember[memberKey{existing.SessionID, *existing.UserID}] = existing.ID
		}
		created = true
	}

	s.recountLocked(session.SessionID, now)
	return existing.Clone(), created, nil
}

func (s *Store) GetCollaborator(_ context.Context, id string) (*models.Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) FindCollaborator(_ context.Context, sessionID, userID string) (*models.Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byMember[memberKey{sessionID, userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.collaborators[id].Clone(), nil
}

func (s *Store) ListCollaborators(_ context.Context, sessionID string) ([]*models.Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Collaborator
	for _, c := range s.collaborators {
		if c.SessionID == sessionID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) MarkOffline(_ context.Context, id string, at time.Time) (bool, error) {
	return s.setStatus(id, models.PresenceOffline, at)
}

func (s *Store) MarkAway(_ context.Context, id string, at time.Time) (bool, error) {
	return s.setStatus(id, models.PresenceAway, at)
}

func (s *Store) setStatus(id string, status models.PresenceStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if c.Status == status || c.Status == models.PresenceOffline {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = at
	if status == models.PresenceOffline {
		leftAt := at
		c.LeftAt = &leftAt
	}
	s.recountLocked(c.SessionID, at)
	return true, nil
}

func (s *Store) Heartbeat(_ context.Context, id string, now time.Time) (models.PresenceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	if c.Status == models.PresenceOffline {
		return "", repository.ErrCollaboratorOffline
	}

	previous := models.EffectiveStatus(c, now)
	if previous == models.PresenceOnline {
		c.LastSeenAt = now
		return previous, nil
	}

	session, ok := s.sessions[c.SessionID]
	if !ok {
		return "", repository.ErrNotFound
	}
	if s.countOnlineLocked(session.SessionID, now) >= session.MaxCollaborators {
		return "", repository.ErrCapacityReached
	}
	c.Status = models.PresenceOnline
	c.LastSeenAt = now
	c.UpdatedAt = now
	s.recountLocked(session.SessionID, now)
	return previous, nil
}

func (s *Store) UpdateCursor(_ context.Context, id string, cursor models.CursorPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.CursorPosition = datatypes.NewJSONType(cursor)
	return nil
}

func (s *Store) UpdateSelection(_ context.Context, id string, elementIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return repository.ErrNotFound
	}
	sel := append([]string{}, elementIDs...)
	c.CurrentSelection = datatypes.NewJSONType(sel)
	return nil
}

func (s *Store) IncrementCounters(_ context.Context, id string, delta models.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.EditsCount += delta.Edits
	c.ElementsCreated += delta.ElementsCreated
	c.ElementsModified += delta.ElementsModified
	c.ChatMessages += delta.ChatMessages
	return nil
}

func (s *Store) ChangeRole(_ context.Context, id string, from, to models.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collaborators[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if c.Role != from {
		return false, nil
	}
	c.Role = to
	return true, nil
}

// Events

func (s *Store) StoreEvent(_ context.Context, event *models.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	cp.Envelope = append([]byte(nil), event.Envelope...)

	log := append(s.events[event.SessionID], &cp)
	sort.SliceStable(log, func(i, j int) bool { return log[i].ID < log[j].ID })
	s.events[event.SessionID] = log
	return nil
}

func (s *Store) ListEvents(_ context.Context, sessionID, afterID string, limit int) ([]*models.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SessionEvent
	for _, e := range s.events[sessionID] {
		if afterID != "" && e.ID <= afterID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteOldEvents(_ context.Context, sessionID string, keepCount int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[sessionID]
	if keepCount < 0 {
		keepCount = 0
	}
	if len(log) <= keepCount {
		return 0, nil
	}
	removed := len(log) - keepCount
	s.events[sessionID] = append([]*models.SessionEvent(nil), log[removed:]...)
	return int64(removed), nil
}

// locked helpers

func (s *Store) countOnlineLocked(sessionID string, now time.Time) int {
	n := 0
	for _, c := range s.collaborators {
		if c.SessionID == sessionID && models.IsOnline(c, now) {
			n++
		}
	}
	return n
}

func (s *Store) recountLocked(sessionID string, now time.Time) int {
	n := s.countOnlineLocked(sessionID, now)
	if session, ok := s.sessions[sessionID]; ok {
		session.ActiveUsersCount = n
	}
	return n
}
