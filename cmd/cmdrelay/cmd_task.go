package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cmdrelay/internal/scheduler"
	"github.com/user/cmdrelay/internal/state"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("target", "", "target the command is queued for (required)")
	taskAddCmd.Flags().String("kind", "", "command kind (required)")
	taskAddCmd.Flags().String("payload", "", "command payload as JSON")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression; empty means webhook-only")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("target")
	_ = taskAddCmd.MarkFlagRequired("kind")
}

func taskStore() *state.TaskStore {
	return state.NewTaskStore(loadConfig().TasksPath())
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook-triggered commands",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		target, _ := cmd.Flags().GetString("target")
		kind, _ := cmd.Flags().GetString("kind")
		payload, _ := cmd.Flags().GetString("payload")
		schedule, _ := cmd.Flags().GetString("schedule")

		if payload != "" && !json.Valid([]byte(payload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		if schedule != "" {
			if err := scheduler.ValidateSchedule(schedule); err != nil {
				return err
			}
		}

		task := &state.Task{
			Name:     name,
			Target:   target,
			Kind:     kind,
			Schedule: schedule,
			Enabled:  true,
		}
		if payload != "" {
			task.Payload = json.RawMessage(payload)
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added (restart the relay to schedule it).\n", name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTARGET\tKIND\tSCHEDULE\tENABLED")
		for _, t := range tasks {
			schedule := t.Schedule
			if schedule == "" {
				schedule = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", t.Name, t.Target, t.Kind, schedule, t.Enabled)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], true)
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], false)
	},
}

func setTaskEnabled(name string, enabled bool) error {
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	if err := taskStore().SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("set task %s: %w", verb, err)
	}
	fmt.Fprintf(os.Stdout, "Task %q %s.\n", name, verb)
	return nil
}
