package audits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/storage"
)

func TestReconcileIndex_RestoresOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, viewer, "ok", sampleAudit("ok"))
	require.NoError(t, err)

	f.store.failUploads("_index/")
	_, err = f.svc.Complete(ctx, viewer, "orphan", sampleAudit("orphan"))
	require.Error(t, err)
	f.store.failUploads("")

	// unrelated keys must be ignored
	require.NoError(t, storage.PutJSON(ctx, f.store, "media/orphan/m1", map[string]string{"x": "y"}))

	repaired, err := f.svc.ReconcileIndex(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	idx := f.readIndex(t, "s1", fixedNow)
	require.Len(t, idx.Audits, 2)
	assert.Equal(t, "orphan", idx.Audits[1].AuditID)
	assert.Equal(t, 50, idx.Audits[1].Score.Percent)
	assert.Contains(t, f.shipper.actions(), activity.ActionIndexRepaired)

	repaired, err = f.svc.ReconcileIndex(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired, "second sweep has nothing to do")
}

func TestReconcileIndex_Lookback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	putRecord(t, f, "s1", "recent", monthsBack(fixedNow, 1))
	putRecord(t, f, "s1", "old", monthsBack(fixedNow, 5))

	repaired, err := f.svc.ReconcileIndex(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	assert.Len(t, f.readIndex(t, "s1", monthsBack(fixedNow, 1)).Audits, 1)
	assert.Empty(t, f.readIndex(t, "s1", monthsBack(fixedNow, 5)).Audits)
}

func TestReconcileIndex_ReportsWriteFailure(t *testing.T) {
	f := newFixture(t, nil)
	putRecord(t, f, "s1", "a1", monthsBack(fixedNow, 0))
	f.store.failUploads("_index/")

	repaired, err := f.svc.ReconcileIndex(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, 0, repaired)
}

func TestReconcileIndex_Cancelled(t *testing.T) {
	f := newFixture(t, nil)
	putRecord(t, f, "s1", "a1", monthsBack(fixedNow, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.ReconcileIndex(ctx, 1)
	assert.Error(t, err)
}
