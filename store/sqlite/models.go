package sqlite

import (
	"github.com/xraph/grove"

	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/internal/codec"
)

type accountModel struct {
	grove.BaseModel `grove:"table:settlement_accounts"`

	ID        string `grove:"id,pk"`
	CreatedAt int64  `grove:"created_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

func fromAccountModel(m *accountModel) *account.Account {
	a := &account.Account{ID: m.ID}
	a.CreatedAt = codec.FromMillis(m.CreatedAt)
	a.UpdatedAt = codec.FromMillis(m.UpdatedAt)
	return a
}
