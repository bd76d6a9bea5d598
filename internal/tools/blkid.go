package tools

import (
	"context"
	"strconv"
	"strings"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
)

// blkid exits 2 when no signature is found
const blkidNothingFound = 2

// Blkid probes filesystem signatures
type Blkid struct {
	base
}

// BlkidInfo is the low-level probe result of one device
type BlkidInfo struct {
	Type    string
	Version string
	Label   string
	UUID    string
	Usage   string
	// FSSize is the filesystem's own size, reported by newer blkid
	FSSize uint64
}

// Kind maps the probed type to a model kind
func (i BlkidInfo) Kind() model.FSKind {
	return model.FSKindFromProbe(i.Type)
}

// Probe reads the signature on path, bypassing the blkid cache
func (b *Blkid) Probe(ctx context.Context, path string) (BlkidInfo, error) {
	res, err := b.exec(ctx, "blkid", []string{"-p", "-o", "export", path}, nil)
	if err != nil {
		if res.ExitCode == blkidNothingFound && res.Stderr == "" {
			return BlkidInfo{}, nil
		}
		return BlkidInfo{}, err
	}
	return parseBlkidExport(res.Stdout)
}

func parseBlkidExport(out string) (BlkidInfo, error) {
	var info BlkidInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return BlkidInfo{}, toolerr.Malformed("blkid", out, "unexpected line %q", line)
		}
		switch key {
		case "TYPE":
			info.Type = value
		case "VERSION":
			info.Version = value
		case "LABEL":
			info.Label = value
		case "UUID":
			info.UUID = value
		case "USAGE":
			info.Usage = value
		case "FSSIZE":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return BlkidInfo{}, toolerr.Malformed("blkid", out, "bad FSSIZE %q", value)
			}
			info.FSSize = n
		}
	}
	return info, nil
}
