// Package provision runs the external automation runner that builds a VM.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultTimeout bounds a single provisioning run.
const DefaultTimeout = 300 * time.Second

var (
	// ErrMissingParameter is returned when a required parameter is empty.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrProvisionTimeout is returned when the runner exceeds its deadline.
	ErrProvisionTimeout = errors.New("provisioning timed out")
)

// ProvisionError reports a runner that exited with a non-zero status.
type ProvisionError struct {
	ExitCode int
	Stderr   string
}

func (e *ProvisionError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("provisioning failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("provisioning failed with exit code %d: %s", e.ExitCode, msg)
}

// Params are the values handed to the playbook.
type Params struct {
	Name      string
	MemoryMB  int
	CPUs      int
	OSType    string
	MediaPath string
}

func (p Params) validate() error {
	var missing []string
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "name")
	}
	if p.MemoryMB <= 0 {
		missing = append(missing, "memory")
	}
	if p.CPUs <= 0 {
		missing = append(missing, "cpus")
	}
	if strings.TrimSpace(p.OSType) == "" {
		missing = append(missing, "os_type")
	}
	if strings.TrimSpace(p.MediaPath) == "" {
		missing = append(missing, "media_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return nil
}

// extraVars are the playbook variables. They are handed to ansible as a
// single JSON document, which it loads without any key=value splitting.
type extraVars struct {
	Name      string `json:"vm_name"`
	MemoryMB  int    `json:"vm_memory"`
	CPUs      int    `json:"vm_cpus"`
	MediaPath string `json:"iso_path"`
	OSType    string `json:"os_type"`
}

func (p Params) extraVars() extraVars {
	return extraVars{
		Name:      p.Name,
		MemoryMB:  p.MemoryMB,
		CPUs:      p.CPUs,
		MediaPath: p.MediaPath,
		OSType:    p.OSType,
	}
}

// Config configures an Invoker.
type Config struct {
	// Binary is the runner executable. Defaults to "ansible-playbook".
	Binary string
	// Playbook is the fixed playbook path.
	Playbook string
	// Inventory is the fixed inventory path.
	Inventory string
	// Timeout bounds each run. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Invoker starts one runner process per Provision call. It holds no
// per-request state and is safe for concurrent use.
type Invoker struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// New returns an Invoker. A nil runner selects ExecRunner; a nil logger
// selects slog.Default().
func New(cfg Config, runner Runner, logger *slog.Logger) *Invoker {
	if cfg.Binary == "" {
		cfg.Binary = "ansible-playbook"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{cfg: cfg, runner: runner, logger: logger}
}

// Args returns the argument vector passed to the runner binary for p.
func (inv *Invoker) Args(p Params) []string {
	var vars strings.Builder
	enc := json.NewEncoder(&vars)
	enc.SetEscapeHTML(false)
	// Encode cannot fail on a struct of strings and ints.
	_ = enc.Encode(p.extraVars())
	return []string{
		"-i", inv.cfg.Inventory, inv.cfg.Playbook,
		"-e", strings.TrimSuffix(vars.String(), "\n"),
	}
}

// Provision runs the playbook for p and blocks until it exits. It makes a
// single attempt.
func (inv *Invoker) Provision(ctx context.Context, p Params) error {
	if err := p.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	args := inv.Args(p)
	logger := inv.logger.With("vm_name", p.Name, "os_type", p.OSType)
	logger.Info("provisioning started", "binary", inv.cfg.Binary, "args", args)

	start := time.Now()
	res, err := inv.runner.Run(ctx, inv.cfg.Binary, args)
	elapsed := time.Since(start)

	if err == nil && res.ExitCode == 0 {
		logger.Info("provisioning finished", "duration", elapsed)
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Error("provisioning timed out", "timeout", inv.cfg.Timeout, "duration", elapsed)
		return fmt.Errorf("%w after %s", ErrProvisionTimeout, inv.cfg.Timeout)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("provisioning cancelled", "error", ctxErr, "duration", elapsed)
			return fmt.Errorf("provisioning cancelled: %w", ctxErr)
		}
		logger.Error("provisioning could not start", "error", err)
		return fmt.Errorf("run %s: %w", inv.cfg.Binary, err)
	}
	logger.Error("provisioning failed", "exit_code", res.ExitCode, "stderr", res.Stderr, "duration", elapsed)
	return &ProvisionError{ExitCode: res.ExitCode, Stderr: res.Stderr}
}
