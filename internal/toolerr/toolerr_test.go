package toolerr

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		Description string
		Tool        string
		ExitCode    int
		Stderr      string
		Cause       error
		Expect      Kind
	}{
		{
			Description: "missing binary",
			Tool:        "parted",
			ExitCode:    127,
			Cause:       exec.ErrNotFound,
			Expect:      ToolMissing,
		},
		{
			Description: "timeout exit code",
			Tool:        "mkfs.ext4",
			ExitCode:    124,
			Cause:       fmt.Errorf("timed out: %w", context.DeadlineExceeded),
			Expect:      OperationTimedOut,
		},
		{
			Description: "cancelled before completion",
			Tool:        "mkfs.ext4",
			ExitCode:    -1,
			Cause:       context.Canceled,
			Expect:      OperationCancelled,
		},
		{
			Description: "umount target busy",
			Tool:        "umount",
			ExitCode:    32,
			Stderr:      "umount: /mnt/sdb1: target is busy.",
			Expect:      DeviceBusy,
		},
		{
			Description: "mkfs refuses mounted device",
			Tool:        "mkfs.ext4",
			ExitCode:    1,
			Stderr:      "/dev/sdb1 contains a ext4 file system\n/dev/sdb1 is mounted; will not make a filesystem here!",
			Expect:      DeviceBusy,
		},
		{
			Description: "not root",
			Tool:        "parted",
			ExitCode:    1,
			Stderr:      "Error: Error opening /dev/sdb: Permission denied",
			Expect:      PermissionDenied,
		},
		{
			Description: "wrong passphrase",
			Tool:        "cryptsetup",
			ExitCode:    2,
			Stderr:      "No key available with this passphrase.",
			Expect:      InvalidInput,
		},
		{
			Description: "bad parted argument",
			Tool:        "parted",
			ExitCode:    1,
			Stderr:      "Error: Invalid number.",
			Expect:      InvalidInput,
		},
		{
			Description: "vanished device",
			Tool:        "blkid",
			ExitCode:    2,
			Stderr:      "error: /dev/sdz1: No such file or directory",
			Expect:      PreconditionNotMet,
		},
		{
			Description: "unrecognized failure keeps raw text",
			Tool:        "mkfs.xfs",
			ExitCode:    1,
			Stderr:      "something odd happened",
			Expect:      Unknown,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Description, func(t *testing.T) {
			err := Classify(testCase.Tool, testCase.ExitCode, testCase.Stderr, testCase.Cause)
			if assert.NotNil(t, err) {
				assert.Equal(t, testCase.Expect, err.Kind)
				assert.Equal(t, testCase.Tool, err.Tool)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	a := Classify("umount", 32, "target is busy", nil)
	b := Classify("umount", 32, "target is busy", nil)
	assert.Equal(t, a, b)
}

func TestClassifySuccess(t *testing.T) {
	assert.Nil(t, Classify("lsblk", 0, "", nil))
}

func TestErrorsIs(t *testing.T) {
	err := fmt.Errorf("format /dev/sdb1: %w", Classify("mkfs.ext4", 1, "is mounted; will not make a filesystem here", nil))
	assert.True(t, errors.Is(err, ErrDeviceBusy))
	assert.False(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, DeviceBusy, KindOf(err))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, OperationTimedOut, KindOf(context.DeadlineExceeded))
	assert.Equal(t, OperationCancelled, KindOf(context.Canceled))
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
}

func TestUnknownKeepsRaw(t *testing.T) {
	err := Classify("mkfs.xfs", 1, "line one\nline two", nil)
	assert.Equal(t, "line one", err.Message)
	assert.Equal(t, "line one\nline two", err.Raw)
}
