// Package toolstest simulates a Linux host's storage tools for tests. A Host
// keeps an in-memory set of disks and answers lsblk, blkid, findmnt,
// parted, mkfs, cryptsetup, mount and smartctl the way the real tools do.
package toolstest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/runner"
)

// Part is a simulated partition
type Part struct {
	Number int
	Start  uint64
	Size   uint64
	// FS is the blkid TYPE, empty when unformatted
	FS    string
	Label string
	UUID  string
	// FSSize is the filesystem size blkid reports, zero when unknown
	FSSize uint64
	// LUKS state
	Passphrase string
	Inner      string
	InnerUUID  string
	Mapper     string
}

// Disk is a simulated whole disk
type Disk struct {
	Name   string
	Size   uint64
	Model  string
	Serial string
	Tran   string
	Rota   bool
	// Table is "", "gpt" or "msdos"
	Table string
	Parts []*Part
	// FS is a signature written to the whole disk, without a table.
	// Mapper and Inner describe it when it is an open LUKS container.
	FS     string
	Mapper string
	Inner  string
	// Smart is the smartctl --json document; empty means no SMART support
	Smart string
}

func (d *Disk) path() string { return "/dev/" + d.Name }

func (d *Disk) partName(n int) string { return model.PartitionName(d.Name, n) }

// Gate pauses a tool until released
type Gate struct {
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Release lets held invocations continue
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// Host is a fake runner backed by simulated disks
type Host struct {
	*runner.Fake

	mu     sync.Mutex
	disks  map[string]*Disk
	mounts map[string]string
	dirs   map[string]bool
	busy   map[string]bool
	gates  map[string]*Gate
	faults map[string]fault
	seq    int
}

type fault struct {
	arg string
	res runner.Result
}

// NewHost returns a host with every tool installed and no disks
func NewHost() *Host {
	h := &Host{
		Fake:   runner.NewFake(),
		disks:  map[string]*Disk{},
		mounts: map[string]string{},
		dirs:   map[string]bool{},
		busy:   map[string]bool{},
		gates:  map[string]*Gate{},
		faults: map[string]fault{},
	}
	h.install("lsblk", h.lsblk)
	h.install("blkid", h.blkid)
	h.install("findmnt", h.findmnt)
	h.install("cryptsetup", h.cryptsetup)
	h.install("parted", h.parted)
	for _, bin := range []string{"mkfs.ext4", "mkfs.fat", "mkfs.ntfs", "mkfs.exfat", "mkfs.btrfs", "mkfs.xfs"} {
		bin := bin
		h.install(bin, func(args []string, stdin []byte) runner.Result { return h.mkfs(bin, args) })
	}
	h.install("e2fsck", ok)
	h.install("resize2fs", h.resize2fs)
	h.install("ntfsresize", ok)
	h.install("fatresize", ok)
	h.install("mount", h.mount)
	h.install("umount", h.umount)
	h.install("smartctl", h.smartctl)
	h.install("partprobe", ok)
	h.install("udevadm", ok)
	return h
}

func ok([]string, []byte) runner.Result { return runner.Result{} }

func fail(code int, format string, args ...interface{}) runner.Result {
	return runner.Result{ExitCode: code, Stderr: fmt.Sprintf(format, args...)}
}

func (h *Host) install(name string, fn func(args []string, stdin []byte) runner.Result) {
	h.Handle(name, func(ctx context.Context, args []string, stdin []byte) runner.Result {
		h.mu.Lock()
		g := h.gates[name]
		h.mu.Unlock()
		if g != nil {
			select {
			case g.Entered <- struct{}{}:
			default:
			}
			select {
			case <-g.release:
			case <-ctx.Done():
				return runner.Result{ExitCode: -1, Err: ctx.Err()}
			}
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if f, broken := h.faults[name]; broken && (f.arg == "" || contains(args, f.arg)) {
			return f.res
		}
		return fn(args, stdin)
	})
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

// Fail makes invocations of tool whose arguments include arg return res
// without any effect. An empty arg matches every invocation.
func (h *Host) Fail(tool, arg string, res runner.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[tool] = fault{arg: arg, res: res}
}

// Hold pauses every invocation of tool until the gate is released
func (h *Host) Hold(tool string) *Gate {
	g := &Gate{Entered: make(chan struct{}, 16), release: make(chan struct{})}
	h.mu.Lock()
	h.gates[tool] = g
	h.mu.Unlock()
	return g
}

// AddDisk registers a disk
func (h *Host) AddDisk(d *Disk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range d.Parts {
		if p.FS != "" && p.UUID == "" {
			p.UUID = h.uuid()
		}
	}
	h.disks[d.Name] = d
}

// RemoveDisk simulates unplugging a disk
func (h *Host) RemoveDisk(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.disks, name)
}

// Disk returns the simulated disk by kernel name
func (h *Host) Disk(name string) *Disk {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disks[name]
}

// SetMount records an externally made mount
func (h *Host) SetMount(source, target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts[source] = target
}

// ClearMount forgets an externally made mount
func (h *Host) ClearMount(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mounts, source)
}

// Mounted returns the target of source
func (h *Host) Mounted(source string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.mounts[source]
	return t, ok
}

// SetBusy makes umount of source fail with "target is busy"
func (h *Host) SetBusy(source string, busy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy[source] = busy
}

// MkdirAll and Remove implement tools.DirOps
func (h *Host) MkdirAll(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirs[path] = true
	return nil
}

func (h *Host) Remove(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.mounts {
		if t == path {
			return fmt.Errorf("remove %s: device or resource busy", path)
		}
	}
	delete(h.dirs, path)
	return nil
}

// DirExists reports whether a mount point directory exists
func (h *Host) DirExists(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirs[path]
}

func (h *Host) uuid() string {
	h.seq++
	return fmt.Sprintf("0000%04d-0000-4000-8000-000000000000", h.seq)
}

// lookup resolves a device node to its disk and partition, or mapping
func (h *Host) lookup(path string) (*Disk, *Part, bool) {
	for _, d := range h.disks {
		if d.path() == path {
			return d, nil, false
		}
		for _, p := range d.Parts {
			if "/dev/"+d.partName(p.Number) == path {
				return d, p, false
			}
			if p.Mapper != "" && "/dev/mapper/"+p.Mapper == path {
				return d, p, true
			}
		}
	}
	return nil, nil, false
}

func (h *Host) sortedDisks() []*Disk {
	var out []*Disk
	for _, d := range h.disks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type lsblkNode struct {
	Name     string      `json:"name"`
	Kname    string      `json:"kname"`
	Path     string      `json:"path"`
	Size     uint64      `json:"size"`
	Type     string      `json:"type"`
	Model    *string     `json:"model"`
	Vendor   *string     `json:"vendor"`
	Serial   *string     `json:"serial"`
	Rota     bool        `json:"rota"`
	Tran     *string     `json:"tran"`
	PTType   *string     `json:"pttype"`
	PKName   *string     `json:"pkname"`
	PartN    *int        `json:"partn"`
	Start    *uint64     `json:"start"`
	FSType   *string     `json:"fstype"`
	Label    *string     `json:"label"`
	UUID     *string     `json:"uuid"`
	Children []lsblkNode `json:"children,omitempty"`
}

func opt(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (h *Host) lsblkDisk(d *Disk) lsblkNode {
	pttype := d.Table
	if pttype == "msdos" {
		pttype = "dos"
	}
	n := lsblkNode{
		Name: d.Name, Kname: d.Name, Path: d.path(), Size: d.Size, Type: "disk",
		Model: opt(d.Model), Serial: opt(d.Serial), Rota: d.Rota, Tran: opt(d.Tran), PTType: opt(pttype),
		FSType: opt(d.FS),
	}
	if d.Mapper != "" {
		n.Children = append(n.Children, lsblkNode{
			Name: d.Mapper, Kname: "dm-0", Path: "/dev/mapper/" + d.Mapper,
			Size: d.Size - 16*model.MiB, Type: "crypt", PKName: opt(d.Name), FSType: opt(d.Inner),
		})
	}
	parts := append([]*Part(nil), d.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	for _, p := range parts {
		num := p.Number
		start := p.Start / 512
		pn := lsblkNode{
			Name: d.partName(p.Number), Kname: d.partName(p.Number), Path: "/dev/" + d.partName(p.Number),
			Size: p.Size, Type: "part", PKName: opt(d.Name), PartN: &num, Start: &start,
			FSType: opt(p.FS), Label: opt(p.Label), UUID: opt(p.UUID),
		}
		if p.Mapper != "" {
			pn.Children = append(pn.Children, lsblkNode{
				Name: p.Mapper, Kname: "dm-" + strconv.Itoa(p.Number), Path: "/dev/mapper/" + p.Mapper,
				Size: p.Size - 16*model.MiB, Type: "crypt", PKName: opt(d.partName(p.Number)),
				FSType: opt(p.Inner), UUID: opt(p.InnerUUID),
			})
		}
		n.Children = append(n.Children, pn)
	}
	return n
}

func (h *Host) lsblk(args []string, _ []byte) runner.Result {
	var target string
	if last := args[len(args)-1]; strings.HasPrefix(last, "/dev/") {
		target = last
	}
	out := struct {
		Blockdevices []lsblkNode `json:"blockdevices"`
	}{Blockdevices: []lsblkNode{}}
	for _, d := range h.sortedDisks() {
		if target != "" && d.path() != target {
			continue
		}
		out.Blockdevices = append(out.Blockdevices, h.lsblkDisk(d))
	}
	if target != "" && len(out.Blockdevices) == 0 {
		return fail(32, "lsblk: %s: not a block device", target)
	}
	b, _ := json.Marshal(out)
	return runner.Result{Stdout: string(b)}
}

func (h *Host) blkid(args []string, _ []byte) runner.Result {
	path := args[len(args)-1]
	d, p, mapped := h.lookup(path)
	if d == nil {
		return fail(2, "error: %s: No such file or directory", path)
	}
	var typ, uuid, label, version string
	var fsSize uint64
	switch {
	case p == nil:
		if d.FS != "" {
			return runner.Result{Stdout: fmt.Sprintf("DEVNAME=%s\nTYPE=%s\n", path, d.FS)}
		}
		if d.Table == "" {
			return runner.Result{ExitCode: 2}
		}
		return runner.Result{Stdout: fmt.Sprintf("DEVNAME=%s\nPTTYPE=%s\n", path, d.Table)}
	case mapped:
		typ, uuid = p.Inner, p.InnerUUID
	default:
		typ, uuid, label, fsSize = p.FS, p.UUID, p.Label, p.FSSize
		if typ == "crypto_LUKS" {
			version = "2"
		}
	}
	if typ == "" {
		return runner.Result{ExitCode: 2}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "DEVNAME=%s\n", path)
	if label != "" {
		fmt.Fprintf(&b, "LABEL=%s\n", label)
	}
	fmt.Fprintf(&b, "UUID=%s\n", uuid)
	if version != "" {
		fmt.Fprintf(&b, "VERSION=%s\n", version)
	}
	fmt.Fprintf(&b, "TYPE=%s\n", typ)
	if fsSize > 0 {
		fmt.Fprintf(&b, "FSSIZE=%d\n", fsSize)
	}
	return runner.Result{Stdout: b.String()}
}

func (h *Host) findmnt(_ []string, _ []byte) runner.Result {
	type fs struct {
		Source string `json:"source"`
		Target string `json:"target"`
		FSType string `json:"fstype"`
	}
	out := struct {
		Filesystems []fs `json:"filesystems"`
	}{}
	var sources []string
	for s := range h.mounts {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		out.Filesystems = append(out.Filesystems, fs{Source: s, Target: h.mounts[s], FSType: "ext4"})
	}
	if len(out.Filesystems) == 0 {
		return runner.Result{ExitCode: 1}
	}
	b, _ := json.Marshal(out)
	return runner.Result{Stdout: string(b)}
}

func (h *Host) cryptsetup(args []string, stdin []byte) runner.Result {
	if len(args) == 0 {
		return fail(1, "Usage: cryptsetup")
	}
	last := args[len(args)-1]
	switch args[0] {
	case "isLuks":
		if _, p, _ := h.lookup(last); p != nil && p.FS == "crypto_LUKS" {
			return runner.Result{}
		}
		return runner.Result{ExitCode: 1}
	case "status":
		for _, d := range h.disks {
			for _, p := range d.Parts {
				if p.Mapper == last {
					return runner.Result{Stdout: fmt.Sprintf("/dev/mapper/%s is active.\n  type:    LUKS2\n  device:  /dev/%s\n",
						last, d.partName(p.Number))}
				}
			}
		}
		return runner.Result{ExitCode: 4, Stdout: fmt.Sprintf("/dev/mapper/%s is inactive.", last)}
	case "luksFormat":
		_, p, _ := h.lookup(last)
		if p == nil {
			return fail(1, "Device %s does not exist or access denied.", last)
		}
		if _, mounted := h.mounts[last]; mounted || p.Mapper != "" {
			return fail(5, "Cannot format device %s in use.", last)
		}
		p.FS, p.Passphrase, p.Inner, p.InnerUUID, p.Label, p.UUID = "crypto_LUKS", string(stdin), "", "", "", h.uuid()
		return runner.Result{}
	case "open":
		name := last
		_, p, _ := h.lookup(args[len(args)-2])
		if p == nil || p.FS != "crypto_LUKS" {
			return fail(1, "Device %s is not a valid LUKS device.", args[len(args)-2])
		}
		if p.Mapper != "" {
			return fail(5, "Device %s already exists.", name)
		}
		if string(stdin) != p.Passphrase {
			return fail(2, "No key available with this passphrase.")
		}
		p.Mapper = name
		return runner.Result{}
	case "close":
		_, p, _ := h.lookup("/dev/mapper/" + last)
		if p == nil {
			return fail(4, "Device %s is not active.", last)
		}
		if _, mounted := h.mounts["/dev/mapper/"+last]; mounted {
			return fail(5, "Device %s is still in use.", last)
		}
		p.Mapper = ""
		return runner.Result{}
	}
	return fail(1, "Unknown action.")
}

func (h *Host) parted(args []string, _ []byte) runner.Result {
	var rest []string
	var dev string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "-"):
		case dev == "":
			dev = a
		default:
			rest = append(rest, a)
		}
	}
	d, p, _ := h.lookup(dev)
	if d == nil || p != nil {
		return fail(1, "Error: Could not stat device %s - No such file or directory.", dev)
	}

	for len(rest) > 0 {
		cmd := rest[0]
		rest = rest[1:]
		switch cmd {
		case "unit":
			rest = rest[1:]
		case "print":
			return h.partedPrint(d)
		case "mklabel":
			if _, mounted := h.mounts[d.path()]; mounted {
				return fail(1, "Error: Partition(s) on %s are being used.", dev)
			}
			d.Table, d.Parts, d.FS, d.Inner = rest[0], nil, "", ""
			rest = rest[1:]
		case "mkpart":
			if d.Table == "" {
				return fail(1, "Error: %s: unrecognised disk label", dev)
			}
			start, err1 := strconv.ParseUint(strings.TrimSuffix(rest[1], "B"), 10, 64)
			end, err2 := strconv.ParseUint(strings.TrimSuffix(rest[2], "B"), 10, 64)
			rest = rest[3:]
			if err1 != nil || err2 != nil || end < start {
				return fail(1, "Error: Invalid number.")
			}
			if end >= d.Size {
				return fail(1, "Error: The location %dB is outside of the device %s.", end, dev)
			}
			for _, o := range d.Parts {
				if start < o.Start+o.Size && o.Start <= end {
					return fail(1, "Error: Can't have overlapping partitions.")
				}
			}
			n := 1
			for d.partByNumber(n) != nil {
				n++
			}
			d.Parts = append(d.Parts, &Part{Number: n, Start: start, Size: end - start + 1})
		case "rm":
			n, _ := strconv.Atoi(rest[0])
			rest = rest[1:]
			if d.partByNumber(n) == nil {
				return fail(1, "Error: Partition doesn't exist.")
			}
			if _, mounted := h.mounts["/dev/"+d.partName(n)]; mounted {
				return fail(1, "Error: Partition %s is being used. You must unmount it before you modify it with Parted.", d.partName(n))
			}
			var keep []*Part
			for _, o := range d.Parts {
				if o.Number != n {
					keep = append(keep, o)
				}
			}
			d.Parts = keep
		case "resizepart":
			n, _ := strconv.Atoi(rest[0])
			end, err := strconv.ParseUint(strings.TrimSuffix(rest[1], "B"), 10, 64)
			rest = rest[2:]
			p := d.partByNumber(n)
			if p == nil || err != nil || end <= p.Start || end >= d.Size {
				return fail(1, "Error: Invalid number.")
			}
			p.Size = end - p.Start + 1
		default:
			return fail(1, "Error: Unknown command %s", cmd)
		}
	}
	return runner.Result{}
}

func (d *Disk) partByNumber(n int) *Part {
	for _, p := range d.Parts {
		if p.Number == n {
			return p
		}
	}
	return nil
}

func (h *Host) partedPrint(d *Disk) runner.Result {
	label := d.Table
	if label == "" {
		label = "unknown"
	}
	var b strings.Builder
	b.WriteString("BYT;\n")
	fmt.Fprintf(&b, "%s:%dB:scsi:512:512:%s:%s:;\n", d.path(), d.Size, label, d.Model)
	if d.Table == "" {
		return runner.Result{ExitCode: 1, Stdout: b.String(), Stderr: fmt.Sprintf("Error: %s: unrecognised disk label", d.path())}
	}
	parts := append([]*Part(nil), d.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })
	for _, p := range parts {
		fmt.Fprintf(&b, "%d:%dB:%dB:%dB:%s::;\n", p.Number, p.Start, p.Start+p.Size-1, p.Size, p.FS)
	}
	return runner.Result{Stdout: b.String()}
}

var mkfsTypes = map[string]string{
	"mkfs.ext4":  "ext4",
	"mkfs.fat":   "vfat",
	"mkfs.ntfs":  "ntfs",
	"mkfs.exfat": "exfat",
	"mkfs.btrfs": "btrfs",
	"mkfs.xfs":   "xfs",
}

func (h *Host) mkfs(bin string, args []string) runner.Result {
	path := args[len(args)-1]
	_, p, mapped := h.lookup(path)
	if p == nil {
		return fail(1, "The file %s does not exist and no size was specified.", path)
	}
	if _, mounted := h.mounts[path]; mounted {
		return fail(1, "%s is mounted; will not make a filesystem here!", path)
	}
	if !mapped && p.Mapper != "" {
		return fail(1, "%s is apparently in use by the system; will not make a filesystem here!", path)
	}
	label := ""
	for i, a := range args {
		if (a == "-L" || a == "-n") && i+1 < len(args) {
			label = args[i+1]
		}
	}
	if mapped {
		p.Inner, p.InnerUUID = mkfsTypes[bin], h.uuid()
		return runner.Result{}
	}
	p.FS, p.Label, p.UUID, p.Passphrase, p.FSSize = mkfsTypes[bin], label, h.uuid(), "", p.Size
	return runner.Result{}
}

// resize2fs records the new filesystem size given as <n>K
func (h *Host) resize2fs(args []string, _ []byte) runner.Result {
	if len(args) < 2 {
		return fail(1, "Usage: resize2fs device [new_size]")
	}
	_, p, _ := h.lookup(args[0])
	if p == nil {
		return fail(1, "resize2fs: No such file or directory while trying to open %s", args[0])
	}
	k, err := strconv.ParseUint(strings.TrimSuffix(args[1], "K"), 10, 64)
	if err != nil {
		return fail(1, "resize2fs: Invalid new size: %s", args[1])
	}
	if k*1024 > p.Size {
		return fail(1, "The containing partition (or device) is only %d (1k) blocks.", p.Size/1024)
	}
	p.FSSize = k * 1024
	return runner.Result{}
}

func (h *Host) mount(args []string, _ []byte) runner.Result {
	source, target := args[0], args[1]
	_, p, mapped := h.lookup(source)
	if p == nil {
		return fail(32, "mount: %s: special device %s does not exist.", target, source)
	}
	if !h.dirs[filepath.Clean(target)] {
		return fail(32, "mount: %s: mount point does not exist.", target)
	}
	fs := p.FS
	if mapped {
		fs = p.Inner
	}
	if fs == "" || fs == "crypto_LUKS" {
		return fail(32, "mount: %s: wrong fs type, bad option, bad superblock on %s.", target, source)
	}
	if _, already := h.mounts[source]; already {
		return fail(32, "mount: %s: %s already mounted on %s.", target, source, h.mounts[source])
	}
	h.mounts[source] = target
	return runner.Result{}
}

func (h *Host) umount(args []string, _ []byte) runner.Result {
	source := args[len(args)-1]
	target, mounted := h.mounts[source]
	if !mounted {
		return fail(32, "umount: %s: not mounted.", source)
	}
	if h.busy[source] {
		return fail(32, "umount: %s: target is busy.", target)
	}
	delete(h.mounts, source)
	return runner.Result{}
}

func (h *Host) smartctl(args []string, _ []byte) runner.Result {
	path := args[len(args)-1]
	d, _, _ := h.lookup(path)
	if d == nil || d.Smart == "" {
		return runner.Result{ExitCode: 2, Stdout: `{"smartctl":{"exit_status":2,"messages":[{"string":"Unable to detect device type","severity":"error"}]}}`}
	}
	return runner.Result{Stdout: d.Smart}
}

// HealthyJSON is a minimal passing smartctl document
const HealthyJSON = `{
  "smartctl": {"exit_status": 0},
  "smart_status": {"passed": true},
  "temperature": {"current": 34},
  "power_on_time": {"hours": 1200},
  "ata_smart_attributes": {"table": [
    {"id": 5, "name": "Reallocated_Sector_Ct", "raw": {"value": 0, "string": "0"}},
    {"id": 194, "name": "Temperature_Celsius", "raw": {"value": 34, "string": "34 (Min/Max 20/45)"}}
  ]}
}`
