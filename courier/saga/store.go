package saga

import "context"

// StateStore persists saga instances keyed by id. It serves crash recovery
// and observability. Create is the only conditional write.
type StateStore interface {
	// Create stores instance only when no instance exists under its id and
	// returns ErrSagaAlreadyExists otherwise. The check and the write are
	// one atomic operation.
	Create(ctx context.Context, instance *Instance) error
	Save(ctx context.Context, instance *Instance) error
	// Load returns ErrSagaNotFound when no instance is stored under id.
	Load(ctx context.Context, id string) (*Instance, error)
	// Delete removes the instance. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}
