package store_test

import (
	"testing"

	"github.com/jeomgeuri/jeomgeuri/internal/store"
	"github.com/jeomgeuri/jeomgeuri/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) store.Store { return store.NewMemory() })
}
