package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/shlex"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// CommandExecutor runs a component's command line as a local process in the task work dir.
// The command is split like a shell would, then `{name}` placeholders in each argument are
// replaced by inputs, parameters, or one of work_dir, job_id, task_id, user, host.
type CommandExecutor struct {
	killGrace time.Duration
	logger    *utils.LogsManager
}

func NewCommandExecutor(cm *utils.ConfigManager, logger *utils.LogsManager) *CommandExecutor {
	return &CommandExecutor{
		killGrace: cm.GetConfigDuration("command_kill_grace", 10*time.Second),
		logger:    logger,
	}
}

func (ce *CommandExecutor) Kind() string {
	return types.ComponentKindCommand
}

func (ce *CommandExecutor) Validate(component *types.ProcessingComponent, params map[string]string) error {
	if component.Command == "" {
		return fmt.Errorf("component %s has no command", component.ID)
	}
	argv, err := shlex.Split(component.Command)
	if err != nil {
		return fmt.Errorf("component %s: invalid command: %w", component.ID, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("component %s has an empty command", component.ID)
	}
	return nil
}

func (ce *CommandExecutor) Prepare(ctx context.Context, tc *TaskContext) error {
	if tc.WorkDir == "" {
		return fmt.Errorf("task %d has no work dir", tc.TaskID)
	}
	return os.MkdirAll(tc.WorkDir, utils.ProductDirMode)
}

func (ce *CommandExecutor) Execute(ctx context.Context, tc *TaskContext) (*Result, error) {
	argv, err := ce.commandLine(tc)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(tc.WorkDir, "task.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create task log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = tc.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"EO_JOB_ID="+strconv.FormatInt(tc.JobID, 10),
		"EO_TASK_ID="+strconv.FormatInt(tc.TaskID, 10),
		"EO_USER="+tc.Principal.UserID,
		"EO_WORK_DIR="+tc.WorkDir,
	)
	// ask politely first on stop
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = ce.killGrace

	ce.logger.Info(fmt.Sprintf("Task %d running %v on %s", tc.TaskID, argv, tc.Host.Hostname), "command")
	tc.report(0)

	start := time.Now()
	err = cmd.Run()

	var usage types.ResourceUsage
	if cmd.ProcessState != nil {
		usage.CPUSeconds = (cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()).Seconds()
	}

	if err != nil {
		if ctx.Err() != nil {
			return &Result{Usage: usage}, fmt.Errorf("command stopped: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{Usage: usage}, fmt.Errorf("command exited with code %d, see %s", exitErr.ExitCode(), logPath)
		}
		return &Result{Usage: usage}, fmt.Errorf("command failed: %w", err)
	}

	ce.logger.Info(fmt.Sprintf("Task %d command finished in %v", tc.TaskID, time.Since(start).Round(time.Millisecond)), "command")
	tc.report(100)
	return &Result{
		Outputs: map[string]string{"output": tc.WorkDir, "log": logPath},
		Usage:   usage,
	}, nil
}

// commandLine splits the command and fills in placeholders argument by argument,
// so a value containing spaces stays one argument
func (ce *CommandExecutor) commandLine(tc *TaskContext) ([]string, error) {
	argv, err := shlex.Split(tc.Component.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	vars := map[string]string{
		"work_dir": tc.WorkDir,
		"job_id":   strconv.FormatInt(tc.JobID, 10),
		"task_id":  strconv.FormatInt(tc.TaskID, 10),
		"user":     tc.Principal.UserID,
		"host":     tc.Host.Hostname,
	}
	for k, v := range tc.Params {
		vars[k] = v
	}
	for k, v := range tc.Inputs {
		vars[k] = v
	}

	var missing []string
	for i, arg := range argv {
		argv[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := vars[key]
			if !ok {
				missing = append(missing, key)
				return m
			}
			return v
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved placeholders %v in command", missing)
	}
	return argv, nil
}
