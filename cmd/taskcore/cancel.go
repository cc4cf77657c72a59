package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/config"
	"github.com/cuemby/taskcore/pkg/control"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Request cooperative cancellation of a running or queued task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	path := filepath.Join(cfg.ControlDir, control.FileWorkflowCommand)
	return control.WriteJSON(path, struct {
		CancelTask string `json:"cancel_task_id"`
	}{CancelTask: args[0]})
}
