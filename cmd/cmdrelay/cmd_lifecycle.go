package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

// daemonProcess resolves the PID file of the running relay and checks the
// process is alive with signal 0.
func daemonProcess() (*os.Process, error) {
	pidPath := loadConfig().PIDPath()

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no running relay (PID file %s not found)", pidPath)
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("no running relay (process %d not found)", pid)
	}
	return proc, nil
}

func signalDaemon(sig syscall.Signal, verb string) error {
	proc, err := daemonProcess()
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("send %s: %w", sig, err)
	}
	fmt.Fprintf(os.Stdout, "Sent %s to relay (PID %d) to %s.\n", sig, proc.Pid, verb)
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGTERM, "stop")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running relay in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, "restart")
	},
}
