package inmemory_test

import (
	"testing"

	"github.com/policyflow/policyflow/pkg/storage"
	"github.com/policyflow/policyflow/pkg/storage/inmemory"
	"github.com/policyflow/policyflow/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunConformanceTests(t, func(t *testing.T) storage.Storage {
		return inmemory.NewStorage()
	})
}
