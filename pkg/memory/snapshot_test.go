// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/types"
)

func testSnapshot(refs ...string) *composer.Snapshot {
	return &composer.Snapshot{
		SessionID: "sess-1",
		Layers: []composer.Layer{
			{Kind: composer.LayerSystem, Name: "system", Source: "prompts/system", Content: "You are the hub.", Tokens: 5},
			{Kind: composer.LayerMemory, Name: "memory", Source: "memory", Content: "- facts", Tokens: 3},
		},
		TotalTokens: 8,
		Budget:      100,
		MemoryRefs:  refs,
	}
}

func newTestManagers(t *testing.T) (*Store, *SnapshotManager) {
	t.Helper()
	db := openTestDB(t)
	store := NewStore(db, zap.NewNop())
	mgr, err := NewSnapshotManager(db, zap.NewNop())
	require.NoError(t, err)
	return store, mgr
}

func TestSnapshot_VersionsIncrease(t *testing.T) {
	_, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	rec1, err := mgr.Snapshot(ctx, session, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec1.Version)

	rec2, err := mgr.Snapshot(ctx, session, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.Version)
}

func TestSnapshot_ConcurrentWritesSerialized(t *testing.T) {
	_, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	const writers = 8
	var wg sync.WaitGroup
	versions := make([]int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := mgr.Snapshot(ctx, session, testSnapshot())
			require.NoError(t, err)
			versions[i] = rec.Version
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	store, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	id, err := store.Remember(ctx, "widgets ship in crates", []string{"widgets"})
	require.NoError(t, err)

	saved := testSnapshot(id)
	_, err = mgr.Snapshot(ctx, session, saved)
	require.NoError(t, err)

	rec, err := mgr.Restore(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, saved, rec.Snapshot, "restored context matches what was saved")
	assert.Equal(t, []string{id}, rec.MemoryIDs)
}

func TestRestore_SpecificVersion(t *testing.T) {
	_, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	first := testSnapshot()
	first.Budget = 111
	_, err := mgr.Snapshot(ctx, session, first)
	require.NoError(t, err)

	second := testSnapshot()
	second.Budget = 222
	_, err = mgr.Snapshot(ctx, session, second)
	require.NoError(t, err)

	rec, err := mgr.Restore(ctx, "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 111, rec.Snapshot.Budget)

	latest, err := mgr.Restore(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 222, latest.Snapshot.Budget)
}

func TestRestore_NotFound(t *testing.T) {
	_, mgr := newTestManagers(t)

	_, err := mgr.Restore(context.Background(), "no-such-session", 0)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SnapshotNotFound))

	session := types.NewSession("sess-1", "t", types.AutonomyMedium)
	_, err = mgr.Snapshot(context.Background(), session, testSnapshot())
	require.NoError(t, err)
	_, err = mgr.Restore(context.Background(), "sess-1", 99)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SnapshotNotFound))
}

func TestRestore_MissingItemIsInvalidSnapshot(t *testing.T) {
	store, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	id, err := store.Remember(ctx, "a fact that will vanish", nil)
	require.NoError(t, err)
	_, err = mgr.Snapshot(ctx, session, testSnapshot(id))
	require.NoError(t, err)

	// Simulate corruption: hard-delete the row behind the store's back.
	_, err = store.db.sql.Exec(`DELETE FROM memory_items WHERE id = ?`, id)
	require.NoError(t, err)

	_, err = mgr.Restore(ctx, "sess-1", 0)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidSnapshot))
}

func TestForget_SnapshotConflictUntilArchived(t *testing.T) {
	store, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	id, err := store.Remember(ctx, "pinned fact", nil)
	require.NoError(t, err)
	_, err = mgr.Snapshot(ctx, session, testSnapshot(id))
	require.NoError(t, err)

	err = store.Forget(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SnapshotConflict))

	require.NoError(t, mgr.Archive(ctx, "sess-1"))
	require.NoError(t, store.Forget(ctx, id), "archiving the session lifts the pin")
}

func TestRestore_TombstonedItemStillRestores(t *testing.T) {
	store, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)

	id, err := store.Remember(ctx, "soft-deleted but referenced", nil)
	require.NoError(t, err)
	_, err = mgr.Snapshot(ctx, session, testSnapshot(id))
	require.NoError(t, err)

	require.NoError(t, mgr.Archive(ctx, "sess-1"))
	require.NoError(t, store.Forget(ctx, id))

	rec, err := mgr.Restore(ctx, "sess-1", 0)
	require.NoError(t, err, "tombstoned items still count as present")
	assert.Equal(t, []string{id}, rec.MemoryIDs)
}

func TestRestore_QueryFailureIsNotInvalidSnapshot(t *testing.T) {
	store, mgr := newTestManagers(t)
	ctx := context.Background()

	id, err := store.Remember(ctx, "widgets ship in crates", nil)
	require.NoError(t, err)
	session := types.NewSession("sess-1", "widgets", types.AutonomyMedium)
	_, err = mgr.Snapshot(ctx, session, testSnapshot(id))
	require.NoError(t, err)

	// A reference check that cannot run must surface as a storage failure,
	// not misreport the snapshot as invalid.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = mgr.missingItems(cancelled, []string{id})
	require.Error(t, err)
	assert.False(t, fault.Is(err, fault.InvalidSnapshot))
}

func TestVersions(t *testing.T) {
	_, mgr := newTestManagers(t)
	ctx := context.Background()
	session := types.NewSession("sess-1", "t", types.AutonomyMedium)

	for i := 0; i < 3; i++ {
		_, err := mgr.Snapshot(ctx, session, testSnapshot())
		require.NoError(t, err)
	}

	infos, err := mgr.Versions(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, int64(3), infos[0].Version, "newest first")
	assert.Equal(t, int64(1), infos[2].Version)
}
