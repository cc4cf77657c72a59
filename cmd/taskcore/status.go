package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/config"
	"github.com/cuemby/taskcore/pkg/snapshot"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last checkpointed state of the running daemon",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	snapPath := filepath.Join(cfg.DataDir, "v1", "resources.json")
	state, err := snapshot.Load(snapPath)
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("no checkpoint found; daemon may not have run yet")
		return nil
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}
