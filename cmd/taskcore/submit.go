package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/config"
	"github.com/cuemby/taskcore/pkg/control"
	"github.com/cuemby/taskcore/pkg/types"
)

var (
	submitTaskType string
	submitKind     string
	submitPriority int
	submitTimeout  int
)

var submitCmd = &cobra.Command{
	Use:   "submit PAYLOAD [ARGS...]",
	Short: "Enqueue a task for the running daemon to pick up",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTaskType, "type", types.DefaultTaskType, "task type bucket, used for per-type concurrency caps")
	submitCmd.Flags().StringVar(&submitKind, "kind", string(types.TaskKindCommand), "task kind: script, function, or command")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "scheduling priority, lower runs first")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 0, "timeout in seconds, 0 uses the default ceiling")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	d := types.Descriptor{
		ID:             uuid.NewString(),
		Kind:           types.TaskKind(submitKind),
		Payload:        args[0],
		Args:           args[1:],
		TaskType:       submitTaskType,
		Priority:       submitPriority,
		SubmittedAt:    time.Now(),
		TimeoutSeconds: submitTimeout,
	}
	path := filepath.Join(cfg.ControlDir, control.FileTaskCreationQueue)
	if err := control.AppendJSONList(path, d); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Println(d.ID)
	return nil
}
