package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Long:  `Writes a duodb.yaml with the default settings, ready to edit.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "duodb.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	// Keys mirror internal/config; values are its defaults.
	starter := map[string]any{
		"primary": map[string]any{
			"dsn":            "postgres://localhost:5432/app?sslmode=disable",
			"max_open_conns": 10,
			"max_idle_conns": 5,
		},
		"fallback": map[string]any{
			"path":         "duodb-fallback.db",
			"journal_mode": "WAL",
			"synchronous":  "FULL",
		},
		"health": map[string]any{
			"interval":              "2s",
			"timeout":               "2s",
			"failure_threshold":     3,
			"recovery_threshold":    3,
			"min_recovery_interval": "10s",
		},
		"fencing": map[string]any{
			"enabled":   false,
			"redis_url": "redis://localhost:6379/0",
			"ttl":       "30s",
		},
		"sync": map[string]any{
			"batch_size": 500,
			"strategy":   "local-wins",
			"retention":  "168h",
		},
		"write": map[string]any{
			"mirror_sync":     false,
			"critical_tables": []string{},
		},
		"log": map[string]any{
			"level":  "info",
			"pretty": false,
		},
	}

	out, err := yaml.Marshal(starter)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
