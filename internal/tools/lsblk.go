package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sigreer/disktui/internal/toolerr"
)

const lsblkColumns = "NAME,KNAME,PATH,SIZE,TYPE,MODEL,VENDOR,SERIAL,ROTA,TRAN,PTTYPE,PKNAME,PARTN,START,FSTYPE,LABEL,UUID"

// lsblk reports START in 512 byte sectors regardless of the device's sector size
const lsblkSector = 512

// Lsblk lists block devices
type Lsblk struct {
	base
}

// LsblkDevice is one node of the lsblk tree with sizes in bytes
type LsblkDevice struct {
	Name       string
	Path       string
	Type       string
	Model      string
	Vendor     string
	Serial     string
	Transport  string
	PTType     string
	PKName     string
	FSType     string
	Label      string
	UUID       string
	Size       uint64
	Start      uint64
	PartN      int
	Rotational bool
	Children   []LsblkDevice
}

// Crypt returns the first dm-crypt child, if any
func (d LsblkDevice) Crypt() *LsblkDevice {
	for i := range d.Children {
		if d.Children[i].Type == "crypt" {
			return &d.Children[i]
		}
	}
	return nil
}

// lsblkOutput represents the JSON output from lsblk
type lsblkOutput struct {
	Blockdevices []lsblkNode `json:"blockdevices"`
}

type lsblkNode struct {
	Name     string      `json:"name"`
	Kname    string      `json:"kname"`
	Path     string      `json:"path"`
	Size     flexUint    `json:"size"`
	Type     string      `json:"type"`
	Model    *string     `json:"model"`
	Vendor   *string     `json:"vendor"`
	Serial   *string     `json:"serial"`
	Rota     flexBool    `json:"rota"`
	Tran     *string     `json:"tran"`
	PTType   *string     `json:"pttype"`
	PKName   *string     `json:"pkname"`
	PartN    flexUint    `json:"partn"`
	Start    flexUint    `json:"start"`
	FSType   *string     `json:"fstype"`
	Label    *string     `json:"label"`
	UUID     *string     `json:"uuid"`
	Children []lsblkNode `json:"children,omitempty"`
}

// List returns every whole disk with its partitions
func (l *Lsblk) List(ctx context.Context) ([]LsblkDevice, error) {
	res, err := l.exec(ctx, "lsblk", []string{"-J", "-b", "-o", lsblkColumns}, nil)
	if err != nil {
		return nil, err
	}
	devs, err := parseLsblk(res.Stdout)
	if err != nil {
		return nil, err
	}
	var out []LsblkDevice
	for _, d := range devs {
		if isDisk(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Device returns one disk, or nil when the device no longer exists
func (l *Lsblk) Device(ctx context.Context, path string) (*LsblkDevice, error) {
	res, err := l.exec(ctx, "lsblk", []string{"-J", "-b", "-o", lsblkColumns, path}, nil)
	if err != nil {
		if toolerr.KindOf(err) == toolerr.PreconditionNotMet {
			return nil, nil
		}
		return nil, err
	}
	devs, err := parseLsblk(res.Stdout)
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d.Path == path && isDisk(d) {
			return &d, nil
		}
	}
	return nil, nil
}

func isDisk(d LsblkDevice) bool {
	if d.Type != "disk" || d.Size == 0 {
		return false
	}
	return !strings.HasPrefix(d.Name, "zram") && !strings.HasPrefix(d.Name, "ram")
}

func parseLsblk(out string) ([]LsblkDevice, error) {
	var output lsblkOutput
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		return nil, toolerr.Malformed("lsblk", out, "cannot parse json: %v", err)
	}
	if output.Blockdevices == nil {
		return nil, toolerr.Malformed("lsblk", out, "missing blockdevices")
	}
	devs := make([]LsblkDevice, 0, len(output.Blockdevices))
	for _, n := range output.Blockdevices {
		d, err := convertNode(n)
		if err != nil {
			return nil, toolerr.Malformed("lsblk", out, "%v", err)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

func convertNode(n lsblkNode) (LsblkDevice, error) {
	name := n.Name
	if n.Kname != "" {
		name = n.Kname
	}
	path := n.Path
	if path == "" {
		path = "/dev/" + name
	}
	d := LsblkDevice{
		Name:       name,
		Path:       path,
		Type:       n.Type,
		Model:      str(n.Model),
		Vendor:     str(n.Vendor),
		Serial:     str(n.Serial),
		Transport:  str(n.Tran),
		PTType:     str(n.PTType),
		PKName:     str(n.PKName),
		FSType:     str(n.FSType),
		Label:      str(n.Label),
		UUID:       str(n.UUID),
		Size:       uint64(n.Size),
		Start:      uint64(n.Start) * lsblkSector,
		PartN:      int(n.PartN),
		Rotational: bool(n.Rota),
	}
	if d.Type == "" {
		return d, fmt.Errorf("missing type for %s", name)
	}
	for _, c := range n.Children {
		child, err := convertNode(c)
		if err != nil {
			return d, err
		}
		d.Children = append(d.Children, child)
	}
	return d, nil
}

// str trims an optional lsblk string column
func str(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// flexUint accepts numbers, numeric strings and null. Older lsblk
// releases print every column as a string.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexUint(n)
	return nil
}

// flexBool accepts true/false, "1"/"0" and null
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(b)), `"`) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}
