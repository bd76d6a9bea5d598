package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigreer/disktui/internal/engine"
	"github.com/sigreer/disktui/internal/journal"
	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/units"
	"github.com/sigreer/disktui/internal/version"
)

var statusCmd = &cobra.Command{
	Use:   "status [device]",
	Short: "Show devices, partitions, mounts and encryption state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		snap := a.engine.Snapshot()
		if len(args) == 1 {
			dev := snap.Device(args[0])
			if dev == nil {
				return fmt.Errorf("device %s not found", args[0])
			}
			snap = model.NewSnapshot([]model.BlockDevice{*dev}, snap.TakenAt)
		}
		if jsonOut {
			return printJSON(snap)
		}
		printSnapshot(os.Stdout, snap)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [device]",
	Short: "Re-probe devices, including SMART health",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		scope := engine.Scope{Health: true}
		if len(args) == 1 {
			scope.Device = args[0]
		}
		if err := a.engine.RequestRefresh(cmd.Context(), scope); err != nil {
			return err
		}
		snap := a.engine.Snapshot()
		if scope.Device != "" {
			dev := snap.Device(scope.Device)
			if dev == nil {
				fmt.Printf("%s is no longer present\n", scope.Device)
				return nil
			}
			snap = model.NewSnapshot([]model.BlockDevice{*dev}, snap.TakenAt)
		}
		printSnapshot(os.Stdout, snap)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [device]",
	Short: "Show finished operations and device events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		events, _ := cmd.Flags().GetBool("events")
		jsonOut, _ := cmd.Flags().GetBool("json")

		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer j.Close()

		if events {
			evs, err := j.RecentDeviceEvents(limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(evs)
			}
			if len(evs) == 0 {
				fmt.Println("No device events recorded.")
				return nil
			}
			fmt.Printf("%-20s %-8s %-14s %-10s %-20s %s\n", "TIME", "EVENT", "DEVICE", "SIZE", "SERIAL", "MODEL")
			fmt.Println(strings.Repeat("-", 90))
			for _, e := range evs {
				fmt.Printf("%-20s %-8s %-14s %-10s %-20s %s\n",
					e.At.Local().Format("2006-01-02 15:04:05"), e.Event, e.Device, units.FormatSize(e.Size), dash(e.Serial), dash(e.Model))
			}
			return nil
		}

		device := ""
		if len(args) == 1 {
			device = args[0]
		}
		ops, err := j.RecentOperations(device, limit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(ops)
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		fmt.Printf("%-20s %-17s %-16s %-10s %s\n", "TIME", "OPERATION", "TARGET", "STATE", "DETAIL")
		fmt.Println(strings.Repeat("-", 90))
		for _, op := range ops {
			detail := op.Result
			if op.Error != "" {
				detail = op.Error
			}
			fmt.Printf("%-20s %-17s %-16s %-10s %s\n",
				op.FinishedAt.Local().Format("2006-01-02 15:04:05"), op.Kind, op.Target, op.State, dash(detail))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("disktui %s\n", version.String())
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	historyCmd.Flags().Int("limit", 50, "Maximum number of entries to show")
	historyCmd.Flags().Bool("events", false, "Show device appear/disappear events instead of operations")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printSnapshot(w io.Writer, snap *model.Snapshot) {
	if len(snap.Devices) == 0 {
		fmt.Fprintln(w, "No block devices found.")
		return
	}
	fmt.Fprintf(w, "%-16s %-10s %-6s %-8s %-24s %s\n", "DEVICE", "SIZE", "TABLE", "TYPE", "MODEL", "HEALTH")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for i := range snap.Devices {
		d := &snap.Devices[i]
		fmt.Fprintf(w, "%-16s %-10s %-6s %-8s %-24s %s\n",
			d.Path, units.FormatSize(d.Size), d.Table, d.Kind(), dash(truncate(d.Model, 24)), healthSummary(d.Health))
		if d.FS != "" && d.Table == model.TableNone {
			fmt.Fprintf(w, "  %-14s %-10s %-6s %-8s %-24s %s\n",
				"(whole disk)", units.FormatSize(d.Size), d.FS, encSummary(d.Encryption), "-", wholeDiskMount(d))
		}
		for _, p := range d.Partitions {
			fmt.Fprintf(w, "  %-14s %-10s %-6s %-8s %-24s %s\n",
				p.Path, units.FormatSize(p.Size), p.ContentFS(), encSummary(p.Encryption), dash(truncate(p.Label, 24)), mountSummary(p))
		}
		if free := d.FreeSpace(); free >= model.MiB && d.Table != model.TableNone {
			fmt.Fprintf(w, "  %-14s %-10s\n", "(free)", units.FormatSize(free))
		}
	}
	fmt.Fprintf(w, "\nGeneration %d, probed %s\n", snap.Generation, snap.TakenAt.Local().Format(time.RFC3339))
}

func healthSummary(h model.HealthReport) string {
	if !h.Available {
		return "-"
	}
	s := "PASSED"
	if !h.Passed {
		s = "FAILING"
	}
	if h.Temperature != nil {
		s += fmt.Sprintf(" %d°C", *h.Temperature)
	}
	if h.ReallocatedSectors != nil && *h.ReallocatedSectors > 0 {
		s += fmt.Sprintf(" realloc=%d", *h.ReallocatedSectors)
	}
	return s
}

func encSummary(e model.EncryptionState) string {
	switch {
	case e.IsLocked():
		return "locked"
	case e.IsUnlocked():
		return "unlocked"
	}
	return "-"
}

func mountSummary(p model.Partition) string {
	var parts []string
	if p.Encryption.IsUnlocked() {
		parts = append(parts, "as "+p.Encryption.MappedDevice)
	}
	if p.Mount.Mounted {
		m := p.Mount.MountPoint
		if p.Usage != nil {
			m += fmt.Sprintf(" (%.0f%% used)", units.Percent(p.Usage.Used, p.Usage.Available))
		}
		parts = append(parts, m)
	}
	return dash(strings.Join(parts, " "))
}

func wholeDiskMount(d *model.BlockDevice) string {
	var parts []string
	if d.Encryption.IsUnlocked() {
		parts = append(parts, "as "+d.Encryption.MappedDevice)
	}
	if d.Mount.Mounted {
		parts = append(parts, d.Mount.MountPoint)
	}
	return dash(strings.Join(parts, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
