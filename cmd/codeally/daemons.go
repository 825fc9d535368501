package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benhmoore/codeally/internal/plugins"
)

func buildDaemonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemons",
		Short: "Inspect plugin daemon state",
	}
	cmd.AddCommand(buildDaemonsStatusCmd())
	return cmd
}

// buildDaemonsStatusCmd reports daemon liveness from the outside: socket
// presence and the PID file written next to it. It does not require a
// running serve process.
func buildDaemonsStatusCmd() *cobra.Command {
	var (
		configPath string
		paths      []string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show socket and process status for background plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			search := paths
			if len(search) == 0 {
				search = cfg.Plugins.Paths
			}

			manifests, err := plugins.DiscoverManifests(search)
			if err != nil {
				return err
			}

			found := false
			for name, info := range manifests {
				m := info.Manifest
				if !m.BackgroundEnabled() {
					continue
				}
				found = true
				cmd.Printf("%s: %s\n", name, describeDaemon(m.Background.SocketPath))
			}
			if !found {
				cmd.Println("no background plugins configured")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Plugin path to scan (repeatable; overrides config)")
	return cmd
}

func describeDaemon(socketPath string) string {
	var parts []string

	if _, err := os.Stat(socketPath); err == nil {
		parts = append(parts, "socket present")
	} else {
		parts = append(parts, "socket missing")
	}

	pidPath := socketPath + ".pid"
	data, err := os.ReadFile(pidPath)
	if err != nil {
		parts = append(parts, "no pid file")
		return strings.Join(parts, ", ")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		parts = append(parts, "unreadable pid file "+filepath.Base(pidPath))
		return strings.Join(parts, ", ")
	}

	// Signal 0 probes for process existence without touching it.
	if err := syscall.Kill(pid, 0); err == nil {
		parts = append(parts, "pid "+strconv.Itoa(pid)+" alive")
	} else {
		parts = append(parts, "pid "+strconv.Itoa(pid)+" gone")
	}
	return strings.Join(parts, ", ")
}
