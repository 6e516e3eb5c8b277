package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DumpLog    = "dump.log"
	RestoreLog = "restore.log"
	pidFile    = "restore.pid"
)

// DumpRequest describes one checkpoint of a process tree.
type DumpRequest struct {
	PID      int
	ImageDir string
}

// Tool drives the checkpoint engine.
type Tool interface {
	// Dump freezes the tree rooted at req.PID and writes its images to
	// req.ImageDir. The tree is left stopped for the caller to terminate.
	Dump(ctx context.Context, req DumpRequest) error
	// Restore recreates the tree from imageDir and returns the new root pid.
	Restore(ctx context.Context, imageDir string) (int, error)
	// Check verifies the host supports checkpointing.
	Check(ctx context.Context) error
}

// CRIUConfig configures the criu(8) binary invocation.
type CRIUConfig struct {
	Binary         string
	TCPEstablished bool
	ShellJob       bool
}

// CRIU runs the criu(8) utility.
type CRIU struct {
	cfg CRIUConfig
}

// NewCRIU creates a CRIU tool. An empty binary defaults to "criu" on PATH.
func NewCRIU(cfg CRIUConfig) *CRIU {
	if cfg.Binary == "" {
		cfg.Binary = "criu"
	}
	return &CRIU{cfg: cfg}
}

func (c *CRIU) commonArgs() []string {
	var args []string
	if c.cfg.TCPEstablished {
		args = append(args, "--tcp-established")
	}
	if c.cfg.ShellJob {
		args = append(args, "--shell-job")
	}
	// X11 clients hold unix sockets to a server outside the tree.
	return append(args, "--ext-unix-sk", "--file-locks")
}

// Dump implements Tool.
func (c *CRIU) Dump(ctx context.Context, req DumpRequest) error {
	if req.PID <= 0 {
		return &Failure{Stage: StageDump, ExitCode: -1, Kind: kindForStage(StageDump), Reason: "no root process to checkpoint"}
	}
	args := []string{
		"dump", "-v4",
		"-D", req.ImageDir, "-o", DumpLog,
		"-t", strconv.Itoa(req.PID),
		"--leave-stopped",
	}
	args = append(args, c.commonArgs()...)
	return c.run(ctx, StageDump, filepath.Join(req.ImageDir, DumpLog), args)
}

// Restore implements Tool.
func (c *CRIU) Restore(ctx context.Context, imageDir string) (int, error) {
	pidPath := filepath.Join(imageDir, pidFile)
	os.Remove(pidPath)

	args := []string{
		"restore", "-d", "-v4",
		"-D", imageDir, "-o", RestoreLog,
		"--pidfile", pidPath,
	}
	args = append(args, c.commonArgs()...)
	if err := c.run(ctx, StageRestore, filepath.Join(imageDir, RestoreLog), args); err != nil {
		return 0, err
	}

	raw, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, &Failure{Stage: StageRestore, ExitCode: 0, Kind: kindForStage(StageRestore), Reason: "restored tree pid unknown", Err: err}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, &Failure{Stage: StageRestore, Kind: kindForStage(StageRestore), Reason: fmt.Sprintf("bad pid file %q", raw)}
	}
	return pid, nil
}

// Check implements Tool.
func (c *CRIU) Check(ctx context.Context) error {
	return c.run(ctx, StageCheck, "", []string{"check"})
}

func (c *CRIU) run(ctx context.Context, stage Stage, logPath string, args []string) error {
	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	detail := output.Bytes()
	if logPath != "" {
		if raw, readErr := os.ReadFile(logPath); readErr == nil {
			detail = append(detail, raw...)
		}
	}
	return Classify(stage, exitCode, err, detail)
}
