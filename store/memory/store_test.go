package memory_test

import (
	"testing"

	"github.com/xraph/settlement/store"
	"github.com/xraph/settlement/store/memory"
	"github.com/xraph/settlement/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}
