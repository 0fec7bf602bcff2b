package sql

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
	"github.com/policyflow/policyflow/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunConformanceTests(t, func(t *testing.T) storage.Storage {
		store, err := NewInMemoryStore()
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyflow.db")

	store, err := NewStore(path)
	require.NoError(t, err)

	instance := runtime.ProcessInstance{
		Key:            1,
		DefinitionId:   "approval",
		State:          runtime.InstanceStateActive,
		CurrentNodeId:  "review",
		VariableHolder: runtime.NewVariableHolder(nil, map[string]any{"amount": 99.0}),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveProcessInstance(context.Background(), instance))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindProcessInstanceByKey(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, got.State)
	assert.Equal(t, "review", got.CurrentNodeId)
	assert.Equal(t, 99.0, got.VariableHolder.GetVariable("amount"))
}
