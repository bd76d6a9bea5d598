package tools

import (
	"context"
	"strings"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
)

// mkfsFunc returns the binary and argv that create a filesystem on path
type mkfsFunc func(path, label string) (string, []string)

var mkfsHandlers = map[model.FSKind]mkfsFunc{
	model.FSExt4:  mkfsExt4,
	model.FSFat32: mkfsFat32,
	model.FSNTFS:  mkfsNTFS,
	model.FSExFAT: mkfsExFAT,
	model.FSBtrfs: mkfsBtrfs,
	model.FSXFS:   mkfsXFS,
}

// Mkfs creates filesystems
type Mkfs struct {
	base
}

// Binary returns the mkfs binary for kind, empty if unsupported
func (m *Mkfs) Binary(kind model.FSKind) string {
	h, ok := mkfsHandlers[kind]
	if !ok {
		return ""
	}
	bin, _ := h("", "")
	return bin
}

// Available reports whether the mkfs binary for kind is installed
func (m *Mkfs) Available(kind model.FSKind) bool {
	bin := m.Binary(kind)
	if bin == "" {
		return false
	}
	_, err := m.run.LookPath(bin)
	return err == nil
}

// Make creates a filesystem of the given kind on path, destroying its contents
func (m *Mkfs) Make(ctx context.Context, path string, kind model.FSKind, label string) error {
	h, ok := mkfsHandlers[kind]
	if !ok {
		return toolerr.Invalid("cannot create unsupported filesystem %q", kind)
	}
	bin, args := h(path, label)
	if err := Commit(ctx); err != nil {
		return err
	}
	res, err := m.exec(ctx, bin, args, nil)
	if err != nil {
		return err
	}
	// some mkfs builds print the refusal but still exit 0
	if out := res.Stdout + res.Stderr; strings.Contains(out, "will not make a filesystem here") {
		return toolerr.Classify(bin, 1, out, nil)
	}
	return nil
}

func withLabel(args []string, flag, label string) []string {
	if label == "" {
		return args
	}
	return append(args, flag, label)
}

func mkfsExt4(path, label string) (string, []string) {
	return "mkfs.ext4", append(withLabel([]string{"-F"}, "-L", label), path)
}

func mkfsFat32(path, label string) (string, []string) {
	// FAT labels are stored upper case and limited to 11 characters
	if len(label) > 11 {
		label = label[:11]
	}
	return "mkfs.fat", append(withLabel([]string{"-F", "32"}, "-n", strings.ToUpper(label)), path)
}

func mkfsNTFS(path, label string) (string, []string) {
	return "mkfs.ntfs", append(withLabel([]string{"-f", "-Q"}, "-L", label), path)
}

func mkfsExFAT(path, label string) (string, []string) {
	return "mkfs.exfat", append(withLabel(nil, "-L", label), path)
}

func mkfsBtrfs(path, label string) (string, []string) {
	return "mkfs.btrfs", append(withLabel([]string{"-f"}, "-L", label), path)
}

func mkfsXFS(path, label string) (string, []string) {
	return "mkfs.xfs", append(withLabel([]string{"-f"}, "-L", label), path)
}
