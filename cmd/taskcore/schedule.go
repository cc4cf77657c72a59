package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/config"
	"github.com/cuemby/taskcore/pkg/scheduler"
	"github.com/cuemby/taskcore/pkg/types"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring and one-shot scheduled task templates",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled task entries",
	RunE:  runScheduleList,
}

var (
	scheduleKind       string
	scheduleIntervalMn int
	scheduleHour       int
	scheduleMinute     int
	scheduleDayOfMonth int
	schedulePayload    string
	scheduleTaskType   string
	schedulePriority   int
)

var scheduleAddCmd = &cobra.Command{
	Use:   "add PAYLOAD [ARGS...]",
	Short: "Add a scheduled task template",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScheduleAdd,
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd)

	scheduleAddCmd.Flags().StringVar(&scheduleKind, "kind", string(types.ScheduleInterval), "interval, daily, weekly, monthly, or once")
	scheduleAddCmd.Flags().IntVar(&scheduleIntervalMn, "interval-minutes", 60, "interval kind: minutes between runs")
	scheduleAddCmd.Flags().IntVar(&scheduleHour, "hour", 0, "daily/weekly/monthly kind: hour of day")
	scheduleAddCmd.Flags().IntVar(&scheduleMinute, "minute", 0, "daily/weekly/monthly kind: minute of hour")
	scheduleAddCmd.Flags().IntVar(&scheduleDayOfMonth, "day-of-month", 1, "monthly kind: day of month, clamped to 28")
	scheduleAddCmd.Flags().StringVar(&scheduleTaskType, "type", types.DefaultTaskType, "task type bucket")
	scheduleAddCmd.Flags().IntVar(&schedulePriority, "priority", 0, "scheduling priority")
}

// stubSubmitter satisfies scheduler.Submitter for the add/list CLI
// paths, which only persist a template and never run the tick loop.
type stubSubmitter struct{}

func (stubSubmitter) Submit(d types.Descriptor) (string, error) { return "", nil }

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	statePath := filepath.Join(cfg.DataDir, "v1", "schedule.json")
	s := scheduler.New(scheduler.Config{StatePath: statePath}, clock.SystemClock{}, stubSubmitter{})

	template := types.Descriptor{
		ID:          uuid.NewString(),
		Kind:        types.TaskKindCommand,
		Payload:     args[0],
		Args:        args[1:],
		TaskType:    scheduleTaskType,
		Priority:    schedulePriority,
		SubmittedAt: time.Now(),
	}
	params := types.ScheduleParams{
		Kind:            types.ScheduleKind(scheduleKind),
		IntervalMinutes: scheduleIntervalMn,
		Hour:            scheduleHour,
		Minute:          scheduleMinute,
		DayOfMonth:      scheduleDayOfMonth,
	}
	id, err := s.Add(template, params)
	if err != nil {
		return err
	}
	s.Stop()
	fmt.Println(id)
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	path := filepath.Join(cfg.DataDir, "v1", "schedule.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Println("no scheduled entries")
		return nil
	}
	if err != nil {
		return err
	}
	var entries []types.ScheduledEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("schedule: decode %s: %w", path, err)
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}
