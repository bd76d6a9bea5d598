package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
)

// Parted reads and edits partition tables in script mode
type Parted struct {
	probe  base
	mutate base
}

// PartedTable is the machine readable "unit B print" result
type PartedTable struct {
	Path       string
	Size       uint64
	SectorSize int
	Table      model.TableKind
	Model      string
	Partitions []PartedPartition
}

// PartedPartition is one row of the table. End is inclusive.
type PartedPartition struct {
	Number int
	Start  uint64
	End    uint64
	Size   uint64
	FS     string
	Name   string
	Flags  string
}

// LastEnd returns the first free byte after the last partition
func (t *PartedTable) LastEnd() uint64 {
	var end uint64
	for _, p := range t.Partitions {
		if p.End+1 > end {
			end = p.End + 1
		}
	}
	return end
}

// Print reads the table of dev. A disk without a label yields TableNone.
func (p *Parted) Print(ctx context.Context, dev string) (*PartedTable, error) {
	res, err := p.probe.exec(ctx, "parted", []string{"-s", "-m", dev, "unit", "B", "print"}, nil)
	if err != nil {
		if !strings.Contains(strings.ToLower(res.Stderr), "unrecognised disk label") {
			return nil, err
		}
	}
	return parsePartedPrint(res.Stdout)
}

func parsePartedPrint(out string) (*PartedTable, error) {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 2 || lines[0] != "BYT;" {
		return nil, toolerr.Malformed("parted", out, "missing BYT header")
	}

	head := strings.Split(strings.TrimSuffix(lines[1], ";"), ":")
	if len(head) < 7 {
		return nil, toolerr.Malformed("parted", out, "short device line %q", lines[1])
	}
	size, err := parseBytes(head[1])
	if err != nil {
		return nil, toolerr.Malformed("parted", out, "device size: %v", err)
	}
	sector, _ := strconv.Atoi(head[3])
	table, err := model.ParseTableKind(head[5])
	if err != nil {
		table = model.TableNone
	}
	t := &PartedTable{Path: head[0], Size: size, SectorSize: sector, Table: table, Model: head[6]}

	for _, l := range lines[2:] {
		f := strings.Split(strings.TrimSuffix(l, ";"), ":")
		if len(f) < 4 {
			return nil, toolerr.Malformed("parted", out, "short partition line %q", l)
		}
		var pp PartedPartition
		var perr error
		if pp.Number, perr = strconv.Atoi(f[0]); perr != nil {
			return nil, toolerr.Malformed("parted", out, "partition number %q", f[0])
		}
		if pp.Start, perr = parseBytes(f[1]); perr != nil {
			return nil, toolerr.Malformed("parted", out, "partition start: %v", perr)
		}
		if pp.End, perr = parseBytes(f[2]); perr != nil {
			return nil, toolerr.Malformed("parted", out, "partition end: %v", perr)
		}
		if pp.Size, perr = parseBytes(f[3]); perr != nil {
			return nil, toolerr.Malformed("parted", out, "partition size: %v", perr)
		}
		if len(f) > 4 {
			pp.FS = f[4]
		}
		if len(f) > 5 {
			pp.Name = f[5]
		}
		if len(f) > 6 {
			pp.Flags = f[6]
		}
		t.Partitions = append(t.Partitions, pp)
	}
	return t, nil
}

func parseBytes(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSuffix(s, "B"), 10, 64)
}

// MakeLabel writes a new empty partition table
func (p *Parted) MakeLabel(ctx context.Context, dev string, kind model.TableKind) error {
	return p.edit(ctx, dev, "mklabel", kind.PartedLabel())
}

// MakePart creates a primary partition of size bytes at start
func (p *Parted) MakePart(ctx context.Context, dev string, start, size uint64) error {
	if size == 0 {
		return toolerr.Invalid("partition size must be greater than zero")
	}
	return p.edit(ctx, dev, "unit", "B", "mkpart", "primary",
		fmt.Sprintf("%dB", start), fmt.Sprintf("%dB", start+size-1))
}

// Remove deletes partition n
func (p *Parted) Remove(ctx context.Context, dev string, n int) error {
	return p.edit(ctx, dev, "rm", strconv.Itoa(n))
}

// ResizePart moves the end of partition n so it spans size bytes from start
func (p *Parted) ResizePart(ctx context.Context, dev string, n int, start, size uint64) error {
	return p.edit(ctx, dev, "unit", "B", "resizepart", strconv.Itoa(n), fmt.Sprintf("%dB", start+size-1))
}

func (p *Parted) edit(ctx context.Context, dev string, args ...string) error {
	if err := Commit(ctx); err != nil {
		return err
	}
	res, err := p.mutate.exec(ctx, "parted", append([]string{"-s", dev}, args...), nil)
	if err != nil {
		return err
	}
	return partedOutputError(res.Stdout + "\n" + res.Stderr)
}

// partedOutputError catches "Error:" lines printed with a zero exit status
func partedOutputError(out string) error {
	var warnings []string
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(l, "Error:"):
			if e := toolerr.Classify("parted", 1, l, nil); e != nil {
				return e
			}
		case strings.HasPrefix(l, "Warning:"):
			warnings = append(warnings, l)
		}
	}
	warnLines("parted", warnings)
	return nil
}
