package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/runner"
	"github.com/sigreer/disktui/internal/toolerr"
)

// lsblk 2.37 output, numbers as JSON numbers
const lsblkModern = `{
   "blockdevices": [
      {"name":"sda", "kname":"sda", "path":"/dev/sda", "size":500107862016, "type":"disk", "model":"Samsung SSD 860 ", "vendor":"ATA     ", "serial":"S3Z9NB0K", "rota":false, "tran":"sata", "pttype":"gpt", "pkname":null, "partn":null, "start":null, "fstype":null, "label":null, "uuid":null,
         "children": [
            {"name":"sda1", "kname":"sda1", "path":"/dev/sda1", "size":536870912, "type":"part", "model":null, "vendor":null, "serial":null, "rota":false, "tran":null, "pttype":"gpt", "pkname":"sda", "partn":1, "start":2048, "fstype":"vfat", "label":"EFI", "uuid":"7A1B-2C3D"},
            {"name":"sda2", "kname":"sda2", "path":"/dev/sda2", "size":499570991104, "type":"part", "model":null, "vendor":null, "serial":null, "rota":false, "tran":null, "pttype":"gpt", "pkname":"sda", "partn":2, "start":1050624, "fstype":"crypto_LUKS", "label":null, "uuid":"a1b2",
               "children": [
                  {"name":"luks-sda2", "kname":"dm-0", "path":"/dev/mapper/luks-sda2", "size":499554213888, "type":"crypt", "model":null, "vendor":null, "serial":null, "rota":false, "tran":null, "pttype":null, "pkname":"sda2", "partn":null, "start":null, "fstype":"ext4", "label":null, "uuid":"c3d4"}
               ]
            }
         ]
      },
      {"name":"loop0", "kname":"loop0", "path":"/dev/loop0", "size":4096, "type":"loop", "rota":false},
      {"name":"zram0", "kname":"zram0", "path":"/dev/zram0", "size":8589934592, "type":"disk", "rota":false},
      {"name":"sdc", "kname":"sdc", "path":"/dev/sdc", "size":0, "type":"disk", "rota":true}
   ]
}`

// older lsblk prints every column as a string
const lsblkLegacy = `{
   "blockdevices": [
      {"name":"sdb", "kname":"sdb", "path":"/dev/sdb", "size":"1000204886016", "type":"disk", "model":"WDC WD10EZEX", "vendor":"ATA", "serial":"WD-1", "rota":"1", "tran":"sata", "pttype":"dos", "pkname":null, "partn":null, "start":null, "fstype":null, "label":null, "uuid":null}
   ]
}`

func TestParseLsblk(t *testing.T) {
	devs, err := parseLsblk(lsblkModern)
	require.NoError(t, err)
	require.Len(t, devs, 4)

	sda := devs[0]
	assert.Equal(t, "/dev/sda", sda.Path)
	assert.Equal(t, "Samsung SSD 860", sda.Model)
	assert.Equal(t, "ATA", sda.Vendor)
	assert.Equal(t, uint64(500107862016), sda.Size)
	assert.False(t, sda.Rotational)
	require.Len(t, sda.Children, 2)
	assert.Equal(t, uint64(2048*512), sda.Children[0].Start)
	assert.Equal(t, 2, sda.Children[1].PartN)

	crypt := sda.Children[1].Crypt()
	require.NotNil(t, crypt)
	assert.Equal(t, "/dev/mapper/luks-sda2", crypt.Path)
	assert.Equal(t, "dm-0", crypt.Name)
	assert.Equal(t, "ext4", crypt.FSType)
	assert.Nil(t, sda.Children[0].Crypt())

	legacy, err := parseLsblk(lsblkLegacy)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000204886016), legacy[0].Size)
	assert.True(t, legacy[0].Rotational)
	assert.Equal(t, "dos", legacy[0].PTType)
}

func TestParseLsblkMalformed(t *testing.T) {
	for _, out := range []string{"", "not json", `{"other":[]}`, `{"blockdevices":[{"name":"sda","size":"big","type":"disk"}]}`} {
		_, err := parseLsblk(out)
		assert.ErrorIs(t, err, toolerr.ErrToolOutputMalformed, out)
	}
}

func TestLsblkListFiltersDisks(t *testing.T) {
	f := runner.NewFake()
	f.Respond("lsblk", runner.Result{Stdout: lsblkModern})
	tb := New(f, Options{})

	devs, err := tb.Lsblk.List(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "sda", devs[0].Name)

	call := f.CallsTo("lsblk")[0]
	assert.Equal(t, []string{"-J", "-b", "-o", lsblkColumns}, call.Args)
}

func TestLsblkDeviceGone(t *testing.T) {
	f := runner.NewFake()
	f.Respond("lsblk", runner.Result{ExitCode: 32, Stderr: "lsblk: /dev/sdz: not a block device"})
	tb := New(f, Options{})

	dev, err := tb.Lsblk.Device(context.Background(), "/dev/sdz")
	assert.NoError(t, err)
	assert.Nil(t, dev)
}

func TestBlkid(t *testing.T) {
	testCases := []struct {
		Description string
		Result      runner.Result
		Expect      model.FSKind
		Label       string
		WantErr     toolerr.Kind
	}{
		{
			Description: "ext4 with label",
			Result:      runner.Result{Stdout: "DEVNAME=/dev/sdb1\nLABEL=data\nUUID=1234\nBLOCK_SIZE=4096\nTYPE=ext4\nUSAGE=filesystem"},
			Expect:      model.FSExt4,
			Label:       "data",
		},
		{
			Description: "luks container",
			Result:      runner.Result{Stdout: "DEVNAME=/dev/sdb2\nUUID=abcd\nVERSION=2\nTYPE=crypto_LUKS\nUSAGE=crypto"},
			Expect:      model.FSLUKS2,
		},
		{
			Description: "nothing found",
			Result:      runner.Result{ExitCode: 2},
			Expect:      model.FSUnformatted,
		},
		{
			Description: "garbage output",
			Result:      runner.Result{Stdout: "this is not export format"},
			WantErr:     toolerr.ToolOutputMalformed,
		},
		{
			Description: "device vanished",
			Result:      runner.Result{ExitCode: 2, Stderr: "error: /dev/sdb9: No such file or directory"},
			WantErr:     toolerr.PreconditionNotMet,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Description, func(t *testing.T) {
			f := runner.NewFake()
			f.Respond("blkid", testCase.Result)
			info, err := New(f, Options{}).Blkid.Probe(context.Background(), "/dev/sdb1")
			if testCase.WantErr != toolerr.Unknown {
				assert.Equal(t, testCase.WantErr, toolerr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.Expect, info.Kind())
			assert.Equal(t, testCase.Label, info.Label)
		})
	}
}

func TestFindmnt(t *testing.T) {
	table, err := parseFindmnt(`{"filesystems": [
		{"source":"/dev/nvme0n1p2", "target":"/", "fstype":"ext4"},
		{"source":"sysfs", "target":"/sys", "fstype":"sysfs"},
		{"source":"/dev/sdb1[/@home]", "target":"/home", "fstype":"btrfs"},
		{"source":"/dev/sdb1[/@]", "target":"/srv", "fstype":"btrfs"},
		{"source":"/dev/mapper/luks-sdc1", "target":"/mnt/luks-sdc1", "fstype":"ext4"}
	]}`)
	require.NoError(t, err)

	target, ok := table.Lookup("/dev/nvme0n1p2")
	assert.True(t, ok)
	assert.Equal(t, "/", target)
	assert.Equal(t, []string{"/home", "/srv"}, table["/dev/sdb1"])
	_, ok = table.Lookup("sysfs")
	assert.False(t, ok)

	f := runner.NewFake()
	f.Respond("findmnt", runner.Result{ExitCode: 1})
	empty, err := New(f, Options{}).Findmnt.Table(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParsePartedPrint(t *testing.T) {
	out := "BYT;\n" +
		"/dev/sdb:10737418240B:scsi:512:512:gpt:ATA VBOX HARDDISK:;\n" +
		"1:1048576B:1074790399B:1073741824B:ext4:primary:;\n" +
		"2:1074790400B:3221225471B:2146435072B::data:msftdata;\n"
	table, err := parsePartedPrint(out)
	require.NoError(t, err)
	assert.Equal(t, model.TableGPT, table.Table)
	assert.Equal(t, uint64(10737418240), table.Size)
	assert.Equal(t, 512, table.SectorSize)
	require.Len(t, table.Partitions, 2)
	assert.Equal(t, uint64(1073741824), table.Partitions[0].Size)
	assert.Equal(t, "msftdata", table.Partitions[1].Flags)
	assert.Equal(t, uint64(3221225472), table.LastEnd())

	_, err = parsePartedPrint("garbage")
	assert.ErrorIs(t, err, toolerr.ErrToolOutputMalformed)
}

func TestPartedUnlabeledDisk(t *testing.T) {
	f := runner.NewFake()
	f.Respond("parted", runner.Result{
		ExitCode: 1,
		Stdout:   "BYT;\n/dev/sdb:10737418240B:scsi:512:512:unknown:ATA VBOX HARDDISK:;",
		Stderr:   "Error: /dev/sdb: unrecognised disk label",
	})
	table, err := New(f, Options{}).Parted.Print(context.Background(), "/dev/sdb")
	require.NoError(t, err)
	assert.Equal(t, model.TableNone, table.Table)
	assert.Empty(t, table.Partitions)
}

func TestPartedErrorWithZeroExit(t *testing.T) {
	f := runner.NewFake()
	f.Respond("parted", runner.Result{Stdout: "Error: Partition(s) 1 on /dev/sdb are being used."})
	err := New(f, Options{}).Parted.Remove(context.Background(), "/dev/sdb", 1)
	assert.ErrorIs(t, err, toolerr.ErrDeviceBusy)
}

func TestPartedArgs(t *testing.T) {
	f := runner.NewFake()
	f.Respond("parted", runner.Result{})
	tb := New(f, Options{})
	ctx := context.Background()

	require.NoError(t, tb.Parted.MakeLabel(ctx, "/dev/sdb", model.TableMBR))
	require.NoError(t, tb.Parted.MakePart(ctx, "/dev/sdb", model.MiB, 4*model.MiB))
	require.NoError(t, tb.Parted.ResizePart(ctx, "/dev/sdb", 1, model.MiB, 8*model.MiB))
	require.NoError(t, tb.Parted.Remove(ctx, "/dev/sdb", 1))

	calls := f.CallsTo("parted")
	require.Len(t, calls, 4)
	assert.Equal(t, "parted -s /dev/sdb mklabel msdos", calls[0].String())
	assert.Equal(t, "parted -s /dev/sdb unit B mkpart primary 1048576B 5242879B", calls[1].String())
	assert.Equal(t, "parted -s /dev/sdb unit B resizepart 1 9437183B", calls[2].String())
	assert.Equal(t, "parted -s /dev/sdb rm 1", calls[3].String())
}

func TestCryptsetupPassphraseOnStdin(t *testing.T) {
	f := runner.NewFake()
	f.Respond("cryptsetup", runner.Result{})
	tb := New(f, Options{})
	ctx := context.Background()

	require.NoError(t, tb.Crypt.Format(ctx, "/dev/sdb1", "s3cret"))
	require.NoError(t, tb.Crypt.Open(ctx, "/dev/sdb1", MapperName("sdb1"), "s3cret"))
	require.NoError(t, tb.Crypt.Close(ctx, "luks-sdb1"))

	for _, c := range f.CallsTo("cryptsetup") {
		assert.NotContains(t, c.String(), "s3cret")
	}
	calls := f.CallsTo("cryptsetup")
	assert.Equal(t, "cryptsetup luksFormat --type luks2 --batch-mode --key-file - /dev/sdb1", calls[0].String())
	assert.Equal(t, []byte("s3cret"), calls[0].Stdin)
	assert.Equal(t, "cryptsetup open --type luks --key-file - /dev/sdb1 luks-sdb1", calls[1].String())
	assert.Nil(t, calls[2].Stdin)
}

func TestCryptsetupWrongPassphrase(t *testing.T) {
	f := runner.NewFake()
	f.Respond("cryptsetup", runner.Result{ExitCode: 2, Stderr: "No key available with this passphrase."})
	err := New(f, Options{}).Crypt.Open(context.Background(), "/dev/sdb1", "luks-sdb1", "wrong")
	assert.ErrorIs(t, err, toolerr.ErrInvalidInput)
}

func TestCryptsetupStatus(t *testing.T) {
	f := runner.NewFake()
	f.Respond("cryptsetup", runner.Result{Stdout: "/dev/mapper/luks-sdb1 is active.\n  type:    LUKS2\n  cipher:  aes-xts-plain64\n  device:  /dev/sdb1\n  sector size:  512"})
	st, err := New(f, Options{}).Crypt.Status(context.Background(), "luks-sdb1")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "/dev/sdb1", st.Device)
	assert.Equal(t, "LUKS2", st.Type)

	f.Respond("cryptsetup", runner.Result{ExitCode: 4, Stdout: "/dev/mapper/luks-sdb1 is inactive."})
	st, err = New(f, Options{}).Crypt.Status(context.Background(), "luks-sdb1")
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestIsLuks(t *testing.T) {
	f := runner.NewFake()
	f.Respond("cryptsetup", runner.Result{ExitCode: 1})
	yes, err := New(f, Options{}).Crypt.IsLuks(context.Background(), "/dev/sdb1")
	require.NoError(t, err)
	assert.False(t, yes)

	f.Uninstall("cryptsetup")
	_, err = New(f, Options{}).Crypt.IsLuks(context.Background(), "/dev/sdb1")
	assert.ErrorIs(t, err, toolerr.ErrToolMissing)
}

func TestMkfsArgs(t *testing.T) {
	testCases := []struct {
		Description string
		Kind        model.FSKind
		Label       string
		Expect      string
	}{
		{Description: "ext4", Kind: model.FSExt4, Label: "data", Expect: "mkfs.ext4 -F -L data /dev/sdb1"},
		{Description: "fat32 label upper cased", Kind: model.FSFat32, Label: "boot", Expect: "mkfs.fat -F 32 -n BOOT /dev/sdb1"},
		{Description: "ntfs quick", Kind: model.FSNTFS, Expect: "mkfs.ntfs -f -Q /dev/sdb1"},
		{Description: "exfat", Kind: model.FSExFAT, Expect: "mkfs.exfat /dev/sdb1"},
		{Description: "btrfs", Kind: model.FSBtrfs, Expect: "mkfs.btrfs -f /dev/sdb1"},
		{Description: "xfs", Kind: model.FSXFS, Expect: "mkfs.xfs -f /dev/sdb1"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Description, func(t *testing.T) {
			f := runner.NewFake()
			bin := New(f, Options{}).Mkfs.Binary(testCase.Kind)
			f.Respond(bin, runner.Result{})
			require.NoError(t, New(f, Options{}).Mkfs.Make(context.Background(), "/dev/sdb1", testCase.Kind, testCase.Label))
			assert.Equal(t, testCase.Expect, f.Calls()[0].String())
		})
	}
}

func TestMkfsRefusalWithZeroExit(t *testing.T) {
	f := runner.NewFake()
	f.Respond("mkfs.ext4", runner.Result{Stderr: "/dev/sdb1 is mounted; will not make a filesystem here!"})
	err := New(f, Options{}).Mkfs.Make(context.Background(), "/dev/sdb1", model.FSExt4, "")
	assert.ErrorIs(t, err, toolerr.ErrDeviceBusy)

	err = New(f, Options{}).Mkfs.Make(context.Background(), "/dev/sdb1", model.FSLUKS2, "")
	assert.ErrorIs(t, err, toolerr.ErrInvalidInput)
}

func TestResize(t *testing.T) {
	f := runner.NewFake()
	f.Respond("e2fsck", runner.Result{ExitCode: 1, Stderr: "/dev/sdb1: ***** FILE SYSTEM WAS MODIFIED *****"})
	f.Respond("resize2fs", runner.Result{})
	tb := New(f, Options{})

	require.NoError(t, tb.Resize.Resize(context.Background(), "/dev/sdb1", model.FSExt4, 2<<30))
	assert.Equal(t, "resize2fs /dev/sdb1 2097152K", f.CallsTo("resize2fs")[0].String())

	assert.True(t, tb.Resize.Supports(model.FSUnformatted))
	assert.False(t, tb.Resize.Supports(model.FSXFS))
	err := tb.Resize.Resize(context.Background(), "/dev/sdb1", model.FSBtrfs, 2<<30)
	assert.ErrorIs(t, err, toolerr.ErrInvalidInput)
}

type memDirs map[string]bool

func (m memDirs) MkdirAll(p string) error { m[p] = true; return nil }
func (m memDirs) Remove(p string) error   { delete(m, p); return nil }

func TestMountLifecycle(t *testing.T) {
	f := runner.NewFake()
	f.Respond("mount", runner.Result{})
	f.Respond("umount", runner.Result{})
	dirs := memDirs{}
	tb := New(f, Options{MountBase: "/mnt", Dirs: dirs})

	target, err := tb.Mount.Mount(context.Background(), "/dev/sdb1", "sdb1")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/sdb1", target)
	assert.True(t, dirs["/mnt/sdb1"])

	require.NoError(t, tb.Mount.Unmount(context.Background(), "/dev/sdb1", target))
	assert.False(t, dirs["/mnt/sdb1"])
}

func TestMountFailureRemovesDir(t *testing.T) {
	f := runner.NewFake()
	f.Respond("mount", runner.Result{ExitCode: 32, Stderr: "mount: /mnt/sdb1: wrong fs type, bad option, bad superblock"})
	dirs := memDirs{}
	tb := New(f, Options{Dirs: dirs})

	_, err := tb.Mount.Mount(context.Background(), "/dev/sdb1", "sdb1")
	assert.Error(t, err)
	assert.Empty(t, dirs)
}

func TestUnmountBusy(t *testing.T) {
	f := runner.NewFake()
	f.Respond("umount", runner.Result{ExitCode: 32, Stderr: "umount: /mnt/sdb1: target is busy."})
	err := New(f, Options{Dirs: memDirs{}}).Mount.Unmount(context.Background(), "/dev/sdb1", "/mnt/sdb1")
	assert.ErrorIs(t, err, toolerr.ErrDeviceBusy)
	for _, c := range f.Calls() {
		assert.NotContains(t, c.Args, "-l")
	}
}

func TestSmartctl(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	report, err := parseSmartctl(`{
		"smartctl": {"exit_status": 0},
		"smart_status": {"passed": true},
		"temperature": {"current": 41},
		"power_on_time": {"hours": 8760},
		"ata_smart_attributes": {"table": [
			{"id": 5, "name": "Reallocated_Sector_Ct", "raw": {"value": 8, "string": "8"}},
			{"id": 9, "name": "Power_On_Hours", "raw": {"value": 8760, "string": "8760"}}
		]}
	}`, now)
	require.NoError(t, err)
	assert.True(t, report.Available)
	assert.True(t, report.Passed)
	assert.Equal(t, 41, *report.Temperature)
	assert.Equal(t, int64(8), *report.ReallocatedSectors)
	assert.Equal(t, int64(8760), *report.PowerOnHours)
	assert.Equal(t, "8", report.Attributes["Reallocated_Sector_Ct"])
	assert.Equal(t, now, report.CollectedAt)
}

func TestSmartctlStatusBits(t *testing.T) {
	failing, err := parseSmartctl(`{"smartctl":{"exit_status":8},"smart_status":{"passed":false}}`, time.Now())
	require.NoError(t, err)
	assert.True(t, failing.Available)
	assert.False(t, failing.Passed)

	nvme, err := parseSmartctl(`{"smartctl":{"exit_status":0},"smart_status":{"passed":true},
		"nvme_smart_health_information_log":{"media_errors":0,"percentage_used":3}}`, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "3", nvme.Attributes["percentage_used"])

	unsupported, err := parseSmartctl(`{"smartctl":{"exit_status":2,"messages":[{"string":"Unable to detect device type","severity":"error"}]}}`, time.Now())
	require.NoError(t, err)
	assert.False(t, unsupported.Available)

	_, err = parseSmartctl(`{"smartctl":{"exit_status":1}}`, time.Now())
	assert.ErrorIs(t, err, toolerr.ErrInvalidInput)

	_, err = parseSmartctl("Smartctl open device failed", time.Now())
	assert.ErrorIs(t, err, toolerr.ErrToolOutputMalformed)
}

func TestSmartctlMissing(t *testing.T) {
	_, err := New(runner.NewFake(), Options{}).Smart.Health(context.Background(), "/dev/sda")
	assert.ErrorIs(t, err, toolerr.ErrToolMissing)
}

func TestCommitHook(t *testing.T) {
	f := runner.NewFake()
	f.Respond("mkfs.ext4", runner.Result{})
	tb := New(f, Options{})

	committed := 0
	ctx := WithCommit(context.Background(), func() error { committed++; return nil })
	require.NoError(t, tb.Mkfs.Make(ctx, "/dev/sdb1", model.FSExt4, ""))
	assert.Equal(t, 1, committed)

	refuse := WithCommit(context.Background(), func() error {
		return toolerr.New(toolerr.OperationCancelled, "", "cancelled")
	})
	f.Reset()
	err := tb.Mkfs.Make(refuse, "/dev/sdb1", model.FSExt4, "")
	assert.ErrorIs(t, err, toolerr.ErrOperationCancelled)
	assert.Empty(t, f.Calls())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(Commit(cancelled), toolerr.ErrOperationCancelled))
}

func TestToolTimeoutOverride(t *testing.T) {
	b := base{timeout: time.Minute, overrides: map[string]time.Duration{"mkfs.ext4": time.Hour}}
	assert.Equal(t, time.Hour, b.timeoutFor("mkfs.ext4"))
	assert.Equal(t, time.Minute, b.timeoutFor("mkfs.xfs"))
}

func TestMountUsesMutateTimeout(t *testing.T) {
	tb := New(runner.NewFake(), Options{ProbeTimeout: 15 * time.Second, MutateTimeout: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, tb.Mount.timeoutFor("mount"))
	assert.Equal(t, 10*time.Minute, tb.Mount.timeoutFor("umount"))
	assert.Equal(t, 15*time.Second, tb.Lsblk.timeoutFor("lsblk"))
}

func TestBlkidFilesystemSize(t *testing.T) {
	info, err := parseBlkidExport("DEVNAME=/dev/sdb1\nUUID=u1\nTYPE=ext4\nFSSIZE=1073741824\n")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), info.FSSize)

	_, err = parseBlkidExport("TYPE=ext4\nFSSIZE=big\n")
	assert.ErrorIs(t, err, toolerr.ErrToolOutputMalformed)
}

func TestCapabilities(t *testing.T) {
	f := runner.NewFake()
	f.Respond("lsblk", runner.Result{})
	f.Respond("mkfs.xfs", runner.Result{})
	f.Respond("mount", runner.Result{})
	tb := New(f, Options{})

	assert.True(t, tb.Available(CapDeviceList))
	assert.True(t, tb.Available(CapMkfs))
	assert.False(t, tb.Available(CapMount))
	assert.False(t, tb.Available(CapHealth))
	assert.True(t, tb.Mkfs.Available(model.FSXFS))
	assert.False(t, tb.Mkfs.Available(model.FSExt4))

	missing := strings.Join(tb.MissingBinaries(), ",")
	assert.Contains(t, missing, "umount")
	assert.NotContains(t, missing, "lsblk")
}
