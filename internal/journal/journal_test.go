package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOperations(t *testing.T) {
	j := openTemp(t)
	base := time.Unix(1_700_000_000, 0)

	ops := []Operation{
		{ID: "a", Kind: "format", Target: "/dev/sdb1", Device: "/dev/sdb", State: "completed",
			SubmittedAt: base, FinishedAt: base.Add(time.Second), Generation: 4},
		{ID: "b", Kind: "resize", Target: "/dev/sdb2", Device: "/dev/sdb", State: "failed",
			ErrorKind: "PreconditionNotMet", Error: "partition is mounted",
			SubmittedAt: base.Add(2 * time.Second), FinishedAt: base.Add(3 * time.Second), Generation: 5},
		{ID: "c", Kind: "mount", Target: "/dev/sdc1", Device: "/dev/sdc", State: "completed", Result: "/mnt/sdc1",
			SubmittedAt: base.Add(4 * time.Second), FinishedAt: base.Add(5 * time.Second), Generation: 6},
	}
	for _, op := range ops {
		require.NoError(t, j.RecordOperation(op))
	}

	all, err := j.RecentOperations("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "/mnt/sdc1", all[0].Result)
	assert.Equal(t, base.Add(5*time.Second).UnixNano(), all[0].FinishedAt.UnixNano())

	sdb, err := j.RecentOperations("/dev/sdb", 10)
	require.NoError(t, err)
	require.Len(t, sdb, 2)
	assert.Equal(t, "b", sdb[0].ID)
	assert.Equal(t, "PreconditionNotMet", sdb[0].ErrorKind)
	assert.Equal(t, uint64(5), sdb[0].Generation)

	limited, err := j.RecentOperations("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordOperationReplaces(t *testing.T) {
	j := openTemp(t)
	op := Operation{ID: "x", Kind: "lock", Target: "/dev/sdb1", State: "failed", FinishedAt: time.Now()}
	require.NoError(t, j.RecordOperation(op))
	op.State = "completed"
	require.NoError(t, j.RecordOperation(op))

	got, err := j.RecentOperations("", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].State)
}

func TestDeviceEvents(t *testing.T) {
	j := openTemp(t)
	at := time.Unix(1_700_000_000, 0)
	require.NoError(t, j.RecordDeviceEvent(DeviceEvent{Device: "/dev/sdb", Event: EventAdded, Model: "USB Stick", Serial: "X1", Size: 16 << 30, At: at}))
	require.NoError(t, j.RecordDeviceEvent(DeviceEvent{Device: "/dev/sdb", Event: EventRemoved, At: at.Add(time.Minute)}))

	events, err := j.RecentDeviceEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRemoved, events[0].Event)
	assert.Equal(t, EventAdded, events[1].Event)
	assert.Equal(t, uint64(16<<30), events[1].Size)
	assert.Equal(t, "USB Stick", events[1].Model)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordOperation(Operation{ID: "a", Kind: "format", Target: "/dev/sdb1", State: "completed", FinishedAt: time.Now()}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, path, j.Path())
	ops, err := j.RecentOperations("", 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}
