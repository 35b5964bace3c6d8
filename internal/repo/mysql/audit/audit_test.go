package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/database"
)

func TestAuditRepository(t *testing.T) {
	db, err := database.NewTestDB(&system.AuditLog{})
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	repo := NewAuditRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &system.AuditLog{
		Actor: "ops", Action: system.AuditRegister, ResourceType: "agent", ResourceID: "a1", Timestamp: now,
	}))
	require.NoError(t, repo.Create(ctx, &system.AuditLog{
		Actor: "ops", Action: system.AuditMaintenance, ResourceType: "agent", ResourceID: "a1",
		NewValues: map[string]interface{}{"enabled": true}, Timestamp: now.Add(time.Second),
	}))
	require.NoError(t, repo.Create(ctx, &system.AuditLog{
		Actor: "ops", Action: system.AuditRegister, ResourceType: "agent", ResourceID: "a2", Timestamp: now,
	}))

	logs, err := repo.ListByResource(ctx, "agent", "a1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, system.AuditMaintenance, logs[0].Action)
	assert.Equal(t, true, logs[0].NewValues["enabled"])
}
