package account

import "context"

// Store persists account membership. Deleting an account removes every
// record namespaced under it.
type Store interface {
	CreateAccount(ctx context.Context, accountID string) (existed bool, err error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	DeleteAccount(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]*Account, error)
}
