package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sigreer/disktui/internal/toolerr"
)

// Findmnt reads the live mount table
type Findmnt struct {
	base
}

// MountTable maps a source device to its mount targets
type MountTable map[string][]string

// Lookup returns the first mount target of source
func (t MountTable) Lookup(source string) (string, bool) {
	targets := t[source]
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

type findmntOutput struct {
	Filesystems []struct {
		Source string `json:"source"`
		Target string `json:"target"`
		FSType string `json:"fstype"`
	} `json:"filesystems"`
}

// Table returns the whole mount table in one call
func (f *Findmnt) Table(ctx context.Context) (MountTable, error) {
	res, err := f.exec(ctx, "findmnt", []string{"-J", "-l", "-o", "SOURCE,TARGET,FSTYPE"}, nil)
	if err != nil {
		// findmnt exits 1 with no output when nothing is mounted
		if res.ExitCode == 1 && strings.TrimSpace(res.Stdout) == "" && res.Stderr == "" {
			return MountTable{}, nil
		}
		return nil, err
	}
	return parseFindmnt(res.Stdout)
}

func parseFindmnt(out string) (MountTable, error) {
	var output findmntOutput
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		return nil, toolerr.Malformed("findmnt", out, "cannot parse json: %v", err)
	}
	table := MountTable{}
	for _, fs := range output.Filesystems {
		if !strings.HasPrefix(fs.Source, "/dev/") {
			continue
		}
		// btrfs subvolumes appear as /dev/sdb1[/@home]
		source := fs.Source
		if i := strings.IndexByte(source, '['); i > 0 {
			source = source[:i]
		}
		table[source] = append(table[source], fs.Target)
	}
	return table, nil
}
