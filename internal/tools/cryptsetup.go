package tools

import (
	"context"
	"strings"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
)

const (
	mapperPrefix = "luks-"
	mapperDir    = "/dev/mapper/"

	// cryptsetup status exits 4 for an inactive mapping
	cryptInactive = 4
)

// MapperName is the dm-crypt name used when unlocking a partition
func MapperName(partition string) string {
	return mapperPrefix + partition
}

// MapperPath is the device node of a mapping
func MapperPath(name string) string {
	return mapperDir + name
}

// Cryptsetup manages LUKS containers. Passphrases are passed on stdin
// through --key-file -.
type Cryptsetup struct {
	probe  base
	mutate base
}

// CryptStatus describes an open or closed mapping
type CryptStatus struct {
	Active bool
	Type   string
	Device string
}

// IsLuks reports whether path carries a LUKS header
func (c *Cryptsetup) IsLuks(ctx context.Context, path string) (bool, error) {
	res, err := c.probe.exec(ctx, "cryptsetup", []string{"isLuks", path}, nil)
	if err == nil {
		return true, nil
	}
	if res.ExitCode == 1 && !infra(err) {
		return false, nil
	}
	return false, err
}

// Status reports the state of a named mapping
func (c *Cryptsetup) Status(ctx context.Context, name string) (CryptStatus, error) {
	res, err := c.probe.exec(ctx, "cryptsetup", []string{"status", name}, nil)
	if err != nil {
		if res.ExitCode == cryptInactive || strings.Contains(res.Stdout, "is inactive") {
			return CryptStatus{}, nil
		}
		return CryptStatus{}, err
	}
	return parseCryptStatus(res.Stdout)
}

func parseCryptStatus(out string) (CryptStatus, error) {
	lines := strings.Split(out, "\n")
	if len(lines) == 0 || !strings.Contains(lines[0], " is active") {
		if strings.Contains(out, "is inactive") {
			return CryptStatus{}, nil
		}
		return CryptStatus{}, toolerr.Malformed("cryptsetup", out, "unexpected status output")
	}
	st := CryptStatus{Active: true}
	for _, l := range lines[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(l), ":")
		if !ok {
			continue
		}
		switch key {
		case "type":
			st.Type = strings.TrimSpace(value)
		case "device":
			st.Device = strings.TrimSpace(value)
		}
	}
	return st, nil
}

// Format writes a new LUKS2 header on path, destroying its contents
func (c *Cryptsetup) Format(ctx context.Context, path string, pass model.Secret) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	_, err := c.mutate.exec(ctx, "cryptsetup",
		[]string{"luksFormat", "--type", "luks2", "--batch-mode", "--key-file", "-", path}, pass.Bytes())
	return err
}

// Open unlocks path as /dev/mapper/<name>
func (c *Cryptsetup) Open(ctx context.Context, path, name string, pass model.Secret) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	_, err := c.mutate.exec(ctx, "cryptsetup",
		[]string{"open", "--type", "luks", "--key-file", "-", path, name}, pass.Bytes())
	return err
}

// Close removes the mapping <name>
func (c *Cryptsetup) Close(ctx context.Context, name string) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	_, err := c.mutate.exec(ctx, "cryptsetup", []string{"close", name}, nil)
	return err
}
