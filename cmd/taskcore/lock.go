package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/config"
	"github.com/cuemby/taskcore/pkg/types"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the file lock registry persisted by the running daemon",
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently held file locks",
	RunE:  runLockList,
}

func init() {
	lockCmd.AddCommand(lockListCmd)
}

// lockFileState mirrors pkg/lock's on-disk shape (spec §6) without
// importing its unexported persistence type.
type lockFileState struct {
	FileLocks map[string]types.LockEntry `json:"file_locks"`
}

func runLockList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	path := filepath.Join(cfg.DataDir, "v1", "locks.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Println("no locks held")
		return nil
	}
	if err != nil {
		return err
	}
	var fs lockFileState
	if err := json.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("lock: decode %s: %w", path, err)
	}
	out, err := json.MarshalIndent(fs.FileLocks, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}
