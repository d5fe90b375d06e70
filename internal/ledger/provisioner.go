package ledger

import (
	"context"

	"github.com/digkill/adcraft/internal/models"
)

// Provisioner is implemented by ledgers that keep balances apart from the
// accounts table and must be seeded when an account is created.
// Provision must not overwrite an existing balance.
type Provisioner interface {
	Provision(ctx context.Context, accountID int64, balance int, plan models.Plan) error
}
