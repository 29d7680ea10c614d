// daemon.go: background process management for the inbox server.
//
//	inboxd serve start    start in the background
//	inboxd serve stop     SIGTERM, then SIGKILL after the grace period
//	inboxd serve restart  stop + start
//	inboxd serve status   report the running process
//	inboxd serve          run in the foreground
//
// Live WhatsApp sessions belong to exactly one process, so there is a single
// server per state directory.
package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const (
	pidFileName = "inboxd.pid"
	logFileName = "inboxd.log"
)

func init() {
	serveCmd.AddCommand(startCmd)
	serveCmd.AddCommand(stopCmd)
	serveCmd.AddCommand(restartCmd)
	serveCmd.AddCommand(serverStatusCmd)
}

func stateDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inboxd")
}

func pidFilePath() string { return filepath.Join(stateDir(), pidFileName) }

func writePID(pid int) error {
	if err := os.MkdirAll(stateDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0o644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// isRunning checks if a process with the given PID is alive.
func isRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// runningPID returns the server's PID, clearing a stale PID file.
func runningPID() (int, bool) {
	pid, err := readPID()
	if err != nil {
		return 0, false
	}
	if !isRunning(pid) {
		removePID()
		return 0, false
	}
	return pid, true
}

// spawnServer starts "inboxd serve" detached, appending output to the log.
func spawnServer(exe string) (*os.Process, string, error) {
	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if envFile != "" {
		args = append(args, "--env-file", envFile)
	}

	if err := os.MkdirAll(stateDir(), 0o700); err != nil {
		return nil, "", err
	}
	logFile := filepath.Join(stateDir(), logFileName)
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("cannot open log file: %w", err)
	}
	defer out.Close()

	proc := exec.Command(exe, args...)
	proc.Stdout = out
	proc.Stderr = out
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc.Env = os.Environ()
	if err := proc.Start(); err != nil {
		return nil, "", fmt.Errorf("failed to start server: %w", err)
	}
	return proc.Process, logFile, nil
}

func stopServer(pid int, timeout time.Duration) {
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGTERM)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isRunning(pid) {
			removePID()
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGKILL)
	}
	time.Sleep(250 * time.Millisecond)
	removePID()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := runningPID(); ok {
			return fmt.Errorf("inboxd is already running (PID %d)", pid)
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot find executable: %w", err)
		}
		proc, logFile, err := spawnServer(exe)
		if err != nil {
			return err
		}
		pid := proc.Pid
		proc.Release()
		if err := writePID(pid); err != nil {
			return err
		}
		fmt.Printf("inboxd started (PID %d)\n", pid)
		fmt.Printf("  log: %s\n", logFile)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, ok := runningPID()
		if !ok {
			fmt.Println("inboxd is not running")
			return nil
		}
		fmt.Printf("stopping inboxd (PID %d)...\n", pid)
		// longer than the server's own 15s shutdown budget
		stopServer(pid, 20*time.Second)
		fmt.Println("stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := runningPID(); ok {
			stopServer(pid, 20*time.Second)
		}
		return startCmd.RunE(cmd, args)
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	Run: func(cmd *cobra.Command, args []string) {
		pid, ok := runningPID()
		if !ok {
			fmt.Println("inboxd is not running")
			return
		}
		fmt.Printf("inboxd is running (PID %d)\n", pid)

		logFile := filepath.Join(stateDir(), logFileName)
		if data, err := os.ReadFile(logFile); err == nil {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			start := max(len(lines)-5, 0)
			fmt.Println("  last log lines:")
			for _, l := range lines[start:] {
				fmt.Printf("    %s\n", l)
			}
		}
	},
}
