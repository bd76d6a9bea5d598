package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/disktui/internal/config"
)

var (
	cfgFile string
	debug   bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "disktui",
	Short: "Disk and partition management tool",
	Long: `disktui inspects block devices, partitions, filesystems and LUKS
containers and performs partition table, filesystem, mount and encryption
operations with confirmation for anything destructive.

Devices are probed with lsblk, blkid, findmnt, cryptsetup and smartctl;
changes are made with parted, mkfs, cryptsetup and mount.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg.ConfigureLogging(debug)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/disktui/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log every tool invocation")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
	for _, c := range operationCmds {
		rootCmd.AddCommand(c)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
