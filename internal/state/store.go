package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// PrefixDeleter is implemented by stores that can drop a key range, used to
// forget idempotence keys on reset.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// DeletePrefix removes keys under prefix when the store supports it and
// reports how many were removed.
func DeletePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	if d, ok := store.(PrefixDeleter); ok {
		return d.DeletePrefix(ctx, prefix)
	}
	return 0, nil
}
