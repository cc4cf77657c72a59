package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskcore",
	Short: "taskcore - a parallel task orchestration core",
	Long: `taskcore schedules, throttles, and supervises parallel tasks on a
single host: resource-aware admission control, priority scheduling,
cooperative cancellation with a forced-kill grace ladder, file-level
locking with priority preemption, and session-aware conflict
arbitration between concurrent automation sessions.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config.json")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func configPath() string {
	p, _ := rootCmd.PersistentFlags().GetString("config")
	return p
}
