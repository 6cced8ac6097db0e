package store

import "errors"

var (
	// ErrSchemaNotFound returned by setup when the schema descriptor is missing or can't be loaded
	ErrSchemaNotFound = errors.New("schema not found")
	// ErrBackendOpen returned by setup when the store can't be opened or created
	ErrBackendOpen = errors.New("can't open backend")
	// ErrInteractiveCommit returned by Save when pending changes don't match the model
	ErrInteractiveCommit = errors.New("interactive commit failed")
	// ErrDurableCommit reported for failed backend commits
	ErrDurableCommit = errors.New("durable commit failed")
	// ErrClosed returned for operations on a closed coordinator
	ErrClosed = errors.New("coordinator closed")
	// ErrNotReady returned when a context is used before it was wired to its parent
	ErrNotReady = errors.New("context not ready")
)
