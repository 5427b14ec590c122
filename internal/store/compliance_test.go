package store_test

import (
	"testing"

	"github.com/lazypower/bondline/internal/store"
	"github.com/lazypower/bondline/internal/store/storetest"
)

func TestSQLiteCompliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := store.OpenMemory()
		if err != nil {
			t.Fatalf("OpenMemory: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}
