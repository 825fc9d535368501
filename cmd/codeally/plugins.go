package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benhmoore/codeally/internal/plugins"
)

func buildPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and validate plugin manifests",
	}
	cmd.AddCommand(
		buildPluginsListCmd(),
		buildPluginsValidateCmd(),
	)
	return cmd
}

func buildPluginsListCmd() *cobra.Command {
	var (
		configPath string
		paths      []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered plugins and their tools",
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
			if len(manifests) == 0 {
				cmd.Println("no plugins found")
				return nil
			}
			for name, info := range manifests {
				m := info.Manifest
				toolNames := make([]string, 0, len(m.Tools))
				for _, t := range m.Tools {
					toolNames = append(toolNames, t.Name)
				}
				cmd.Printf("%s %s (%s)\n", name, m.Version, m.EffectiveActivation())
				cmd.Printf("  manifest: %s\n", info.Path)
				cmd.Printf("  tools: %s\n", strings.Join(toolNames, ", "))
				if m.BackgroundEnabled() {
					cmd.Printf("  daemon socket: %s\n", m.Background.SocketPath)
				}
				if len(m.Events) > 0 {
					cmd.Printf("  events: %s\n", strings.Join(m.Events, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Plugin path to scan (repeatable; overrides config)")
	return cmd
}

func buildPluginsValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate plugin manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed bool
			for _, path := range args {
				info, err := plugins.LoadManifestForPath(path)
				if err != nil {
					cmd.Printf("FAIL %s: %v\n", path, err)
					failed = true
					continue
				}
				if err := info.Manifest.Validate(); err != nil {
					cmd.Printf("FAIL %s: %v\n", path, err)
					failed = true
					continue
				}
				if err := info.Manifest.CompileSchemas(); err != nil {
					cmd.Printf("FAIL %s: %v\n", path, err)
					failed = true
					continue
				}
				cmd.Printf("OK   %s (%s %s)\n", path, info.Manifest.Name, info.Manifest.Version)
			}
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
	return cmd
}
