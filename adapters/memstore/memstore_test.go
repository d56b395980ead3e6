package memstore_test

import (
	"testing"

	"github.com/luno/durable"
	"github.com/luno/durable/adapters/adaptertest"
	"github.com/luno/durable/adapters/memstore"
)

func TestStore(t *testing.T) {
	adaptertest.RunHistoryStoreTest(t, func(t *testing.T) durable.Store {
		return memstore.New()
	})
}
