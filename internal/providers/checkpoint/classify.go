package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/GriffinCanCode/deskd/internal/shared/fault"
)

// Stage names the checkpoint engine invocation that failed.
type Stage string

const (
	StageDump    Stage = "dump"
	StageRestore Stage = "restore"
	StageCheck   Stage = "check"
)

// Failure is the typed result of a failed checkpoint engine run.
type Failure struct {
	Stage    Stage
	ExitCode int
	Kind     fault.Kind
	// Reason is the matched rule description, or a generic summary.
	Reason string
	// LogTail holds the last lines of the engine's log for operators.
	LogTail string
	Err     error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("criu %s failed (exit %d): %s", f.Stage, f.ExitCode, f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type rule struct {
	stages  []Stage
	pattern *regexp.Regexp
	kind    fault.Kind
	reason  string
}

func (r rule) applies(stage Stage) bool {
	if len(r.stages) == 0 {
		return true
	}
	for _, s := range r.stages {
		if s == stage {
			return true
		}
	}
	return false
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		pattern: regexp.MustCompile(`(?i)(must be run as root|operation not permitted|CAP_SYS_ADMIN|CAP_CHECKPOINT_RESTORE)`),
		kind:    fault.CapabilityMissing,
		reason:  "insufficient privileges",
	},
	{
		pattern: regexp.MustCompile(`(?i)(kernel.*(too old|doesn't support)|not supported by kernel|Can't .*ptrace)`),
		kind:    fault.CapabilityMissing,
		reason:  "kernel lacks checkpoint support",
	},
	{
		stages:  []Stage{StageDump},
		pattern: regexp.MustCompile(`(?i)(No such process|can't find process|Unable to seize)`),
		kind:    fault.CheckpointFailure,
		reason:  "process tree exited before dump",
	},
	{
		stages:  []Stage{StageDump},
		pattern: regexp.MustCompile(`(?i)(/dev/dri|nvidia|drm)`),
		kind:    fault.CheckpointFailure,
		reason:  "gpu device state cannot be checkpointed",
	},
	{
		pattern: regexp.MustCompile(`(?i)(tcp.*(repair|established)|Can't dump inet socket|connected TCP)`),
		kind:    fault.CheckpointFailure,
		reason:  "established tcp connection could not be handled",
	},
	{
		pattern: regexp.MustCompile(`(?i)(sysv.*shm|shmem|ipc namespace)`),
		kind:    fault.CheckpointFailure,
		reason:  "shared memory segment not supported",
	},
	{
		stages:  []Stage{StageRestore},
		pattern: regexp.MustCompile(`(?i)(pid .*(busy|in use)|File exists|Can't fork for)`),
		kind:    fault.RestoreFailure,
		reason:  "process id collision during restore",
	},
	{
		stages:  []Stage{StageRestore},
		pattern: regexp.MustCompile(`(?i)(No such file or directory.*\.img|Can't open.*inventory)`),
		kind:    fault.NoCheckpoint,
		reason:  "checkpoint images missing",
	},
}

func kindForStage(stage Stage) fault.Kind {
	switch stage {
	case StageRestore:
		return fault.RestoreFailure
	case StageCheck:
		return fault.CapabilityMissing
	default:
		return fault.CheckpointFailure
	}
}

// Classify turns a failed run into a typed Failure using the rule table.
func Classify(stage Stage, exitCode int, err error, output []byte) *Failure {
	f := &Failure{
		Stage:    stage,
		ExitCode: exitCode,
		Kind:     kindForStage(stage),
		Reason:   "checkpoint engine error",
		LogTail:  tail(output, 20),
		Err:      err,
	}

	if errors.Is(err, exec.ErrNotFound) {
		f.Kind = fault.CapabilityMissing
		f.Reason = "criu binary not found"
		return f
	}

	for _, r := range rules {
		if r.applies(stage) && r.pattern.Match(output) {
			f.Kind = r.kind
			f.Reason = r.reason
			return f
		}
	}
	return f
}

func tail(output []byte, n int) string {
	lines := bytes.Split(bytes.TrimRight(output, "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
