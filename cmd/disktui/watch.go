package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sigreer/disktui/internal/engine"
	"github.com/sigreer/disktui/internal/store"
	"github.com/sigreer/disktui/internal/units"
	"github.com/sigreer/disktui/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the device model current and report changes",
	Long: `Listen for udev hotplug events and refresh on the configured schedule,
printing devices as they appear and disappear. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		schedule, _ := cmd.Flags().GetString("schedule")
		if !cmd.Flags().Changed("schedule") {
			schedule = cfg.Refresh.Schedule
		}
		noHotplug, _ := cmd.Flags().GetBool("no-hotplug")

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		w, err := watch.New(a.engine, watch.Options{
			Hotplug:  cfg.Refresh.Hotplug && !noHotplug,
			Debounce: cfg.Refresh.Debounce.Std(),
			Schedule: schedule,
		})
		if err != nil {
			return err
		}

		printSnapshot(os.Stdout, a.engine.Snapshot())
		go reportChanges(ctx, a.engine)

		log.Info("Watching for device changes")
		return w.Run(ctx)
	},
}

// reportChanges prints devices appearing and disappearing
func reportChanges(ctx context.Context, e *engine.Engine) {
	prev := e.Snapshot()
	for {
		changed := e.Changed()
		next := e.Snapshot()
		added, removed := store.Diff(prev, next)
		for _, p := range added {
			d := next.Device(p)
			fmt.Printf("+ %s %s %s %s\n", p, units.FormatSize(d.Size), dash(d.Model), dash(d.Serial))
		}
		for _, p := range removed {
			fmt.Printf("- %s\n", p)
		}
		prev = next

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func init() {
	watchCmd.Flags().String("schedule", "", "cron schedule for full refreshes (default from config)")
	watchCmd.Flags().Bool("no-hotplug", false, "do not listen for udev events")
}
