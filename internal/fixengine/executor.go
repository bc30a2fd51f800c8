package fixengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"watchtower/services/agent/internal/llm"
	"watchtower/services/agent/internal/settings"
)

var (
	ErrProtectedPath  = errors.New("refusing to modify protected path")
	ErrCommandBlocked = errors.New("dangerous command blocked")
	ErrUnknownStep    = errors.New("unknown step action")
	ErrControlSetting = errors.New("refusing to modify agent control setting")
)

var protectedRoots = []string{"/etc", "/sys", "/proc", "/dev", "/boot"}

var deniedCommandFragments = []string{"rm -rf", "dd if=", "mkfs", "> /dev", "format"}

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandOutput      = 4096
)

// Snapshot locates the pre-fix copy of a file overwritten by an update_file step.
type Snapshot struct {
	File   string `json:"file"`
	Backup string `json:"backup"`
}

type StepResult struct {
	Step     llm.StepAction `json:"step"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, step llm.Step) (StepResult, error)
	Restore(ctx context.Context, snapshot Snapshot) error
}

// ConfigWriter persists a single live configuration key.
type ConfigWriter interface {
	SetRaw(ctx context.Context, key string, value any) error
}

type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// LocalExecutor applies steps to the host it runs on, rooted at a working directory.
type LocalExecutor struct {
	workDir        string
	gitRemote      string
	gitBranch      string
	config         ConfigWriter
	commandTimeout time.Duration
	run            commandRunner
	now            func() time.Time
}

func NewLocalExecutor(workDir, gitRemote, gitBranch string, config ConfigWriter) *LocalExecutor {
	return &LocalExecutor{
		workDir:        workDir,
		gitRemote:      gitRemote,
		gitBranch:      gitBranch,
		config:         config,
		commandTimeout: defaultCommandTimeout,
		run:            runCommand,
		now:            time.Now,
	}
}

func (e *LocalExecutor) Execute(ctx context.Context, step llm.Step) (StepResult, error) {
	result := StepResult{Step: step.Action}
	var err error

	switch step.Action {
	case llm.StepUpdateFile:
		result.Result, result.Snapshot, err = e.updateFile(step.File, step.Code)
	case llm.StepRunCommand:
		result.Result, err = e.runShell(ctx, step.Code)
	case llm.StepRestartService:
		result.Result = map[string]any{"service": step.Service, "status": "restart_queued"}
	case llm.StepUpdateConfig:
		result.Result, err = e.updateConfig(ctx, step.Key, step.Value)
	case llm.StepDeployCode:
		result.Result, err = e.deployCode(ctx, step.Files)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownStep, step.Action)
	}

	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Success = true
	return result, nil
}

// ResolvePath anchors relative paths at the working directory and rejects protected system roots.
func (e *LocalExecutor) ResolvePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("update_file requires a file path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.workDir, path)
	}
	path = filepath.Clean(path)

	for _, root := range protectedRoots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return "", fmt.Errorf("%w: %s", ErrProtectedPath, path)
		}
	}
	return path, nil
}

func (e *LocalExecutor) updateFile(path, content string) (map[string]any, *Snapshot, error) {
	fullPath, err := e.ResolvePath(path)
	if err != nil {
		return nil, nil, err
	}

	mode := os.FileMode(0o644)
	var snapshot *Snapshot
	if info, statErr := os.Stat(fullPath); statErr == nil {
		if info.IsDir() {
			return nil, nil, fmt.Errorf("update_file target is a directory: %s", fullPath)
		}
		mode = info.Mode().Perm()
		backup := fmt.Sprintf("%s.backup.%d", fullPath, e.now().UnixNano())
		if err := copyFile(fullPath, backup, mode); err != nil {
			return nil, nil, fmt.Errorf("snapshot %s: %w", fullPath, err)
		}
		snapshot = &Snapshot{File: fullPath, Backup: backup}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, nil, statErr
	} else if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, nil, err
	}

	if err := os.WriteFile(fullPath, []byte(content), mode); err != nil {
		return nil, snapshot, fmt.Errorf("write %s: %w", fullPath, err)
	}

	result := map[string]any{"file": fullPath, "bytes": len(content)}
	if snapshot != nil {
		result["backup"] = snapshot.Backup
	}
	return result, snapshot, nil
}

func (e *LocalExecutor) runShell(ctx context.Context, command string) (map[string]any, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("run_command requires a command")
	}
	for _, fragment := range deniedCommandFragments {
		if strings.Contains(command, fragment) {
			return nil, fmt.Errorf("%w: %s", ErrCommandBlocked, command)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	output, err := e.run(runCtx, e.workDir, "sh", "-c", command)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, capOutput(output))
	}
	return map[string]any{"command": command, "output": capOutput(output)}, nil
}

func (e *LocalExecutor) updateConfig(ctx context.Context, key string, value json.RawMessage) (map[string]any, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("update_config requires a key")
	}
	if settings.ControlKey(key) {
		return nil, fmt.Errorf("%w: %s", ErrControlSetting, key)
	}
	if len(value) == 0 || !json.Valid(value) {
		return nil, fmt.Errorf("update_config requires a JSON value")
	}
	if e.config == nil {
		return nil, fmt.Errorf("update_config has no configuration backend")
	}
	if err := e.config.SetRaw(ctx, key, value); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "value": value}, nil
}

func (e *LocalExecutor) deployCode(ctx context.Context, files []string) (map[string]any, error) {
	message := "Auto-fix: " + e.now().UTC().Format(time.RFC3339)
	commands := [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", message},
		{"git", "push", e.gitRemote, e.gitBranch},
	}

	for _, args := range commands {
		runCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
		output, err := e.run(runCtx, e.workDir, args[0], args[1:]...)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("deployment failed at %q: %w: %s", strings.Join(args, " "), err, capOutput(output))
		}
	}
	return map[string]any{"deployed": true, "files": files}, nil
}

// Restore moves a snapshot back over its file, consuming the backup.
func (e *LocalExecutor) Restore(_ context.Context, snapshot Snapshot) error {
	return os.Rename(snapshot.Backup, snapshot.File)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func capOutput(output []byte) string {
	text := strings.TrimSpace(string(output))
	if len(text) > maxCommandOutput {
		return text[:maxCommandOutput]
	}
	return text
}
