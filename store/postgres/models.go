package postgres

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/settlement/account"
)

type accountModel struct {
	grove.BaseModel `grove:"table:settlement_accounts"`

	ID        string    `grove:"id,pk"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromAccountModel(m *accountModel) *account.Account {
	a := &account.Account{ID: m.ID}
	a.CreatedAt = m.CreatedAt.UTC()
	a.UpdatedAt = m.UpdatedAt.UTC()
	return a
}
