package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned when no PID file exists
var ErrNotRunning = errors.New("PID file does not exist - node is not running")

type PIDManager struct {
	path        string
	gracePeriod time.Duration
}

// NewPIDManager places the PID file under the application data dir unless pid_path is absolute
func NewPIDManager(cm *ConfigManager) *PIDManager {
	name := filepath.FromSlash(cm.GetConfigWithDefault("pid_path", DefaultAppName+".pid"))
	return &PIDManager{
		path:        GetAppPaths("").ResolveDataPath(name),
		gracePeriod: cm.GetConfigDuration("stop_grace_period", 10*time.Second),
	}
}

func (p *PIDManager) Path() string {
	return p.path
}

func (p *PIDManager) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %v", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %v", err)
	}
	return pid, nil
}

func (p *PIDManager) RemovePIDFile() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %v", err)
	}
	return nil
}

// StopProcess sends SIGTERM and escalates to SIGKILL once the grace period expires
func (p *PIDManager) StopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}

	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %v", pid, err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(p.gracePeriod)

	for {
		select {
		case <-timeout:
			fmt.Printf("Grace period expired, force killing process %d\n", pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			if !p.IsProcessRunning(pid) {
				fmt.Printf("Process %d terminated gracefully\n", pid)
				return nil
			}
		}
	}
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	// signal 0 only checks existence
	return process.Signal(syscall.Signal(0)) == nil
}
