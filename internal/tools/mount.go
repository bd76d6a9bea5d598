package tools

import (
	"context"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Mounter mounts block devices under a base directory
type Mounter struct {
	base
	mountBase string
	dirs      DirOps
}

// Target is the mount point used for a device name
func (m *Mounter) Target(name string) string {
	return filepath.Join(m.mountBase, name)
}

// Mount mounts source on <base>/<name> and returns the mount point. The
// directory is created first and removed again if mounting fails.
func (m *Mounter) Mount(ctx context.Context, source, name string) (string, error) {
	target := m.Target(name)
	if err := m.dirs.MkdirAll(target); err != nil {
		return "", err
	}
	if err := Commit(ctx); err != nil {
		m.removeDir(target)
		return "", err
	}
	if _, err := m.exec(ctx, "mount", []string{source, target}, nil); err != nil {
		m.removeDir(target)
		return "", err
	}
	return target, nil
}

// Unmount unmounts source. A busy target fails with DeviceBusy; there is
// no lazy unmount. Empty mount points under the base are removed.
func (m *Mounter) Unmount(ctx context.Context, source, target string) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	if _, err := m.exec(ctx, "umount", []string{source}, nil); err != nil {
		return err
	}
	if target != "" && strings.HasPrefix(target, m.mountBase+"/") {
		m.removeDir(target)
	}
	return nil
}

func (m *Mounter) removeDir(dir string) {
	if err := m.dirs.Remove(dir); err != nil {
		log.WithError(err).WithField("dir", dir).Debug("Mount point not removed")
	}
}
