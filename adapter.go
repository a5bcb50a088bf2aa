package authkit

import "context"

// Record is the opaque where/data mapping exchanged with the persistence
// collaborator. The core never assumes a particular storage engine.
type Record map[string]any

// CRUDOps is the operation set the core requires on one entity. FindUnique
// returns (nil, nil) when no record matches; all other failures surface as
// *PersistenceError from implementations.
type CRUDOps interface {
	Create(ctx context.Context, data Record) (Record, error)
	FindUnique(ctx context.Context, where Record) (Record, error)
	Update(ctx context.Context, where Record, data Record) (Record, error)
	Delete(ctx context.Context, where Record) error
}

// AccountOps is the reduced operation set for provider account links.
type AccountOps interface {
	Create(ctx context.Context, data Record) (Record, error)
	FindUnique(ctx context.Context, where Record) (Record, error)
	Delete(ctx context.Context, where Record) error
}

// Adapter is the persistence collaborator consumed by the caller's
// resolution callbacks. The core invokes it only through those callbacks and
// never retries persistence failures.
type Adapter interface {
	Sessions() CRUDOps
	Users() CRUDOps
	Accounts() AccountOps
}
