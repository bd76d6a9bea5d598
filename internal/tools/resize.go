package tools

import (
	"context"
	"strconv"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
)

// e2fsck exit 1 means errors were corrected, which is fine before a resize
const e2fsckCorrected = 1

// Resizer resizes unmounted filesystems
type Resizer struct {
	base
}

// Supports reports whether kind can be resized offline. An unformatted
// partition needs no filesystem step.
func (r *Resizer) Supports(kind model.FSKind) bool {
	switch kind {
	case model.FSUnformatted, model.FSExt4, model.FSNTFS, model.FSFat32:
		return true
	}
	return false
}

// Resize changes the filesystem on path to size bytes
func (r *Resizer) Resize(ctx context.Context, path string, kind model.FSKind, size uint64) error {
	switch kind {
	case model.FSUnformatted:
		return nil
	case model.FSExt4:
		return r.resizeExt4(ctx, path, size)
	case model.FSNTFS:
		return r.run1(ctx, "ntfsresize", []string{"-f", "-s", strconv.FormatUint(size, 10), path}, []byte("y\n"))
	case model.FSFat32:
		return r.run1(ctx, "fatresize", []string{"-s", strconv.FormatUint(size, 10), path}, nil)
	}
	return toolerr.Invalid("filesystem %s cannot be resized offline", kind)
}

func (r *Resizer) resizeExt4(ctx context.Context, path string, size uint64) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	res, err := r.exec(ctx, "e2fsck", []string{"-f", "-p", path}, nil)
	if err != nil && res.ExitCode != e2fsckCorrected {
		return err
	}
	// resize2fs takes K as kibibytes
	_, err = r.exec(ctx, "resize2fs", []string{path, strconv.FormatUint(size/1024, 10) + "K"}, nil)
	return err
}

func (r *Resizer) run1(ctx context.Context, name string, args []string, stdin []byte) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	_, err := r.exec(ctx, name, args, stdin)
	return err
}
