package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
	"github.com/sigreer/disktui/internal/tools"
	"github.com/sigreer/disktui/internal/tools/toolstest"
)

func validateSnapshot() *model.Snapshot {
	part := func(n int, offset, size uint64, fs model.FSKind) model.Partition {
		return model.Partition{
			Device: "/dev/sdb", Number: n, Path: model.PartitionName("/dev/sdb", n), Name: model.PartitionName("sdb", n),
			Offset: offset, Size: size, FS: fs, Encryption: model.NotEncrypted(),
		}
	}
	mbr := model.BlockDevice{Path: "/dev/sdb", Name: "sdb", Size: 16 * gib, Table: model.TableMBR}
	for i := 1; i <= 4; i++ {
		mbr.Partitions = append(mbr.Partitions, part(i, uint64(i)*gib, gib, model.FSExt4))
	}
	mbr.Partitions[3].Mount = model.MountedAt("/srv")

	full := model.BlockDevice{Path: "/dev/sdc", Name: "sdc", Size: 4 * gib, Table: model.TableGPT}
	full.Partitions = []model.Partition{{
		Device: "/dev/sdc", Number: 1, Path: "/dev/sdc1", Name: "sdc1", Offset: model.MiB, Size: 4*gib - 2*model.MiB,
		FS: model.FSLUKS2, Encryption: model.UnlockedAs("/dev/mapper/luks-sdc1"), MappedFS: model.FSExt4,
	}}
	return model.NewSnapshot([]model.BlockDevice{mbr, full}, time.Time{})
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		Description string
		Request     model.OperationRequest
		Kind        toolerr.Kind
	}{
		{
			Description: "create table over a mounted partition",
			Request:     model.OperationRequest{Kind: model.OpCreateTable, Target: "/dev/sdb", Table: model.TableGPT},
			Kind:        toolerr.PreconditionNotMet,
		},
		{
			Description: "create table over an unlocked container",
			Request:     model.OperationRequest{Kind: model.OpCreateTable, Target: "/dev/sdc", Table: model.TableMBR},
			Kind:        toolerr.PreconditionNotMet,
		},
		{
			Description: "fifth primary partition",
			Request:     model.OperationRequest{Kind: model.OpCreatePartition, Target: "/dev/sdb"},
			Kind:        toolerr.PreconditionNotMet,
		},
		{
			Description: "no free space",
			Request:     model.OperationRequest{Kind: model.OpCreatePartition, Target: "/dev/sdc"},
			Kind:        toolerr.PreconditionNotMet,
		},
		{
			Description: "partition target given a device",
			Request:     model.OperationRequest{Kind: model.OpMount, Target: "/dev/sdb"},
			Kind:        toolerr.PreconditionNotMet,
		},
		{
			Description: "resize below one MiB",
			Request:     model.OperationRequest{Kind: model.OpResize, Target: "/dev/sdb1", Size: 4096},
			Kind:        toolerr.InvalidInput,
		},
		{
			Description: "format the unlocked mapping",
			Request:     model.OperationRequest{Kind: model.OpFormat, Target: "/dev/sdc1", FS: model.FSXFS},
		},
		{
			Description: "mount the unlocked mapping",
			Request:     model.OperationRequest{Kind: model.OpMount, Target: "/dev/sdc1"},
		},
		{
			Description: "grow into the next partition",
			Request:     model.OperationRequest{Kind: model.OpResize, Target: "/dev/sdb1", Size: gib + model.MiB},
			Kind:        toolerr.PreconditionNotMet,
		},
		{
			Description: "shrink",
			Request:     model.OperationRequest{Kind: model.OpResize, Target: "/dev/sdb1", Size: gib / 2},
		},
	}

	tb := tools.New(toolstest.NewHost(), tools.Options{})
	snap := validateSnapshot()
	for _, tc := range testcases {
		t.Run(tc.Description, func(t *testing.T) {
			_, _, err := validate(tc.Request, snap, tb)
			if tc.Kind == toolerr.Unknown {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.Kind, toolerr.From("", err).Kind, err.Error())
		})
	}
}

func TestValidateMissingTools(t *testing.T) {
	h := toolstest.NewHost()
	h.Uninstall("cryptsetup")
	h.Uninstall("mkfs.exfat")
	tb := tools.New(h, tools.Options{})
	snap := validateSnapshot()

	_, _, err := validate(model.OperationRequest{Kind: model.OpLock, Target: "/dev/sdc1"}, snap, tb)
	assert.ErrorIs(t, err, toolerr.ErrToolMissing)

	_, _, err = validate(model.OperationRequest{Kind: model.OpFormat, Target: "/dev/sdb1", FS: model.FSExFAT}, snap, tb)
	assert.ErrorIs(t, err, toolerr.ErrToolMissing)

	_, _, err = validate(model.OperationRequest{Kind: model.OpFormat, Target: "/dev/sdb1", FS: model.FSExt4}, snap, tb)
	assert.NoError(t, err)
}
