package main

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/sigreer/disktui/internal/engine"
	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/policy"
	"github.com/sigreer/disktui/internal/toolerr"
)

func withInput(t *testing.T, input string) {
	t.Helper()
	old := stdin
	stdin = bufio.NewReader(strings.NewReader(input))
	t.Cleanup(func() { stdin = old })
}

func TestAskConfirmation(t *testing.T) {
	confirm := policy.Requirement{Level: policy.Confirm, Prompt: "Format /dev/sdb1?"}
	typed := policy.Requirement{Level: policy.TypedAck, Ack: "sda", Prompt: "Format /dev/sda3?"}

	testcases := []struct {
		Description string
		Requirement policy.Requirement
		Input       string
		Yes         bool
		Ack         string
		Want        string
		Aborted     bool
	}{
		{Description: "yes", Requirement: confirm, Input: "y\n"},
		{Description: "YES", Requirement: confirm, Input: "YES\n"},
		{Description: "empty answer aborts", Requirement: confirm, Input: "\n", Aborted: true},
		{Description: "no input aborts", Requirement: confirm, Input: "", Aborted: true},
		{Description: "assume yes", Requirement: confirm, Yes: true},
		{Description: "typed device name", Requirement: typed, Input: "sda\n", Want: "sda"},
		{Description: "wrong device name", Requirement: typed, Input: "sdb\n", Aborted: true},
		{Description: "yes does not answer a typed prompt", Requirement: typed, Input: "y\n", Yes: true, Aborted: true},
		{Description: "ack flag", Requirement: typed, Ack: "sda", Want: "sda"},
	}
	for _, tc := range testcases {
		t.Run(tc.Description, func(t *testing.T) {
			withInput(t, tc.Input)
			got, err := askConfirmation(tc.Requirement, tc.Yes, tc.Ack)
			if tc.Aborted {
				assert.Equal(t, errAborted, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Want, got)
		})
	}
}

func TestReadPassphraseFromPipe(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("stdin is a terminal")
	}
	withInput(t, "correct horse\nsecond line\n")
	pass, err := readPassphrase("Passphrase: ", true)
	require.NoError(t, err)
	assert.Equal(t, model.Secret("correct horse"), pass)
}

func TestPrintSnapshot(t *testing.T) {
	temp := 38
	snap := model.NewSnapshot([]model.BlockDevice{{
		Path: "/dev/sdb", Name: "sdb", Size: 8 << 30, Model: "Data", Table: model.TableGPT,
		Health: model.HealthReport{Available: true, Passed: true, Temperature: &temp},
		Partitions: []model.Partition{
			{Device: "/dev/sdb", Path: "/dev/sdb1", Number: 1, Offset: model.MiB, Size: 1 << 30, FS: model.FSExt4,
				Label: "data", Mount: model.MountedAt("/mnt/sdb1"), Encryption: model.NotEncrypted(),
				Usage: &model.Usage{Used: 1, Available: 3}},
			{Device: "/dev/sdb", Path: "/dev/sdb2", Number: 2, Offset: model.MiB + 1<<30, Size: 1 << 30, FS: model.FSLUKS2,
				Encryption: model.UnlockedAs("/dev/mapper/luks-sdb2"), MappedFS: model.FSXFS},
		},
	}}, time.Unix(1_700_000_000, 0))

	var b bytes.Buffer
	printSnapshot(&b, snap)
	out := b.String()
	assert.Contains(t, out, "PASSED 38°C")
	assert.Contains(t, out, "/mnt/sdb1 (25% used)")
	assert.Contains(t, out, "as /dev/mapper/luks-sdb2")
	assert.Contains(t, out, "xfs")
	assert.Contains(t, out, "(free)")

	b.Reset()
	printSnapshot(&b, model.NewSnapshot([]model.BlockDevice{{
		Path: "/dev/sdc", Name: "sdc", Size: 4 << 30, Table: model.TableNone,
		FS: model.FSExt4, Mount: model.MountedAt("/data"), Encryption: model.NotEncrypted(),
	}}, time.Unix(1_700_000_000, 0)))
	out = b.String()
	assert.Contains(t, out, "(whole disk)")
	assert.Contains(t, out, "/data")
	assert.NotContains(t, out, "(free)")

	b.Reset()
	printSnapshot(&b, model.NewSnapshot(nil, time.Time{}))
	assert.Equal(t, "No block devices found.\n", b.String())
}

func TestBusyHint(t *testing.T) {
	busy := &toolerr.Error{Kind: toolerr.DeviceBusy, Tool: "mkfs.ext4", Message: "in use by the system"}
	testcases := []struct {
		Description string
		Status      engine.Status
		Contains    string
	}{
		{
			Description: "unmount names the mount users",
			Status:      engine.Status{Request: model.OperationRequest{Kind: model.OpUnmount, Target: "/dev/sdb1"}, Err: busy},
			Contains:    "fuser -vm /dev/sdb1",
		},
		{
			Description: "format suggests unmounting",
			Status:      engine.Status{Request: model.OperationRequest{Kind: model.OpFormat, Target: "/dev/sdb1"}, Device: "/dev/sdb", Err: busy},
			Contains:    "unmount what is using /dev/sdb1",
		},
		{
			Description: "new table suggests unmounting",
			Status:      engine.Status{Request: model.OperationRequest{Kind: model.OpCreateTable, Target: "/dev/sdb"}, Device: "/dev/sdb", Err: busy},
			Contains:    "disktui status /dev/sdb",
		},
		{
			Description: "lock suggests unmounting",
			Status:      engine.Status{Request: model.OperationRequest{Kind: model.OpLock, Target: "/dev/sdb2"}, Device: "/dev/sdb", Err: busy},
			Contains:    "unmount",
		},
		{
			Description: "other failures get no hint",
			Status: engine.Status{Request: model.OperationRequest{Kind: model.OpFormat, Target: "/dev/sdb1"},
				Err: &toolerr.Error{Kind: toolerr.InvalidInput}},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.Description, func(t *testing.T) {
			hint := busyHint(tc.Status)
			if tc.Contains == "" {
				assert.Empty(t, hint)
				return
			}
			assert.Contains(t, hint, tc.Contains)
		})
	}
}
