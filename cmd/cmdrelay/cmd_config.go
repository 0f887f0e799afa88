package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/cmdrelay/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
	configListCmd.Flags().Bool("show-secrets", false, "print secret values unmasked")
	configListCmd.Flags().Bool("paths", true, "include the files the relay derives from data_dir")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the relay configuration",
}

const derivedPrefix = "paths."

// derivedPaths are read-only keys resolved from the loaded config, so
// operators can find the queue snapshot and uploads without reading code.
func derivedPaths(cfg *config.Config) map[string]any {
	return map[string]any{
		derivedPrefix + "config":  cfgPath,
		derivedPrefix + "store":   cfg.StorePath(),
		derivedPrefix + "tasks":   cfg.TasksPath(),
		derivedPrefix + "uploads": cfg.UploadsDir(),
		derivedPrefix + "pid":     cfg.PIDPath(),
	}
}

// printValues writes key = value lines sorted by key. Derived keys are
// tagged so they are not mistaken for settable ones.
func printValues(w io.Writer, values map[string]any) {
	for _, k := range slices.Sorted(maps.Keys(values)) {
		if strings.HasPrefix(k, derivedPrefix) {
			fmt.Fprintf(w, "%s = %v (derived)\n", k, values[k])
			continue
		}
		fmt.Fprintf(w, "%s = %v\n", k, values[k])
	}
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration values and derived relay paths",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		show, _ := cmd.Flags().GetBool("show-secrets")
		withPaths, _ := cmd.Flags().GetBool("paths")

		cfg := loadConfig()
		values, err := config.ListValues(cfg, !show)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		if withPaths {
			maps.Copy(values, derivedPaths(cfg))
		}
		printValues(os.Stdout, values)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value or derived path (paths.store, paths.uploads, ...)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if strings.HasPrefix(key, derivedPrefix) {
			v, ok := derivedPaths(loadConfig())[key]
			if !ok {
				return fmt.Errorf("unknown derived path: %s", key)
			}
			fmt.Fprintln(os.Stdout, v)
			return nil
		}
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (JSON literals are parsed)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if strings.HasPrefix(key, derivedPrefix) {
			return fmt.Errorf("%s is derived from data_dir and store.path; set those instead", key)
		}
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			value = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", key, value)

		// serve refuses an invalid file, so say so now rather than at restart.
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: config no longer valid: %v\n", err)
			return nil
		}
		fmt.Fprintln(os.Stdout, "Restart the relay to apply.")
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}
