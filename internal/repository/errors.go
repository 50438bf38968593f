package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate indicates a uniqueness constraint rejected the write.
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrCapacityReached indicates the session has no free collaborator seat.
	ErrCapacityReached = errors.New("repository: session capacity reached")
	// ErrSessionNotActive indicates the session left the active state before the write landed.
	ErrSessionNotActive = errors.New("repository: session not active")
	// ErrCollaboratorOffline indicates the collaborator has left and must rejoin.
	ErrCollaboratorOffline = errors.New("repository: collaborator offline")
)
