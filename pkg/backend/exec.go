package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/telemetry"
	"github.com/openrollout/rollout/pkg/workflow"
)

// ExecBackend runs operations by invoking an external binary. The operation
// command becomes the first argument, options become --key=value flags and
// run variables are exported as ROLLOUT_VAR_* environment variables.
//
// Failures are classified by scanning the tool's output for a known error
// code token (e.g. "NETWORK_ERROR"); unrecognized failures carry
// UNKNOWN_ERROR and a cancelled deadline maps to TIMEOUT_ERROR.
type ExecBackend struct {
	binary string
	dir    string
	logger *telemetry.Logger
}

// NewExecBackend creates an exec backend invoking the given binary. dir, when
// non-empty, is the working directory for every invocation.
func NewExecBackend(binary, dir string, logger *telemetry.Logger) (*ExecBackend, error) {
	if binary == "" {
		return nil, errors.New("backend binary is required")
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &ExecBackend{binary: binary, dir: dir, logger: logger}, nil
}

// knownCodes are the classification tokens scanned for in tool output.
var knownCodes = []string{
	workflow.CodeNetworkError,
	workflow.CodeTimeout,
	workflow.CodeTemporaryFailure,
	workflow.CodePermissionDenied,
	workflow.CodeAuthenticationFailed,
	workflow.CodeResourceConflict,
	workflow.CodeStateLock,
	workflow.CodeConfiguration,
	workflow.CodeValidation,
}

// Execute implements engine.OperationBackend.
func (b *ExecBackend) Execute(ctx context.Context, req *engine.OperationRequest) (*engine.OperationResult, error) {
	args := make([]string, 0, 1+len(req.Args)+len(req.Options))
	args = append(args, req.Command)
	args = append(args, req.Args...)
	for _, key := range sortedKeys(req.Options) {
		args = append(args, fmt.Sprintf("--%s=%s", key, req.Options[key]))
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Dir = b.dir
	cmd.Env = append(os.Environ(), variableEnv(req.Variables)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.WithField("command", req.Command).Debugf("exec: %s %s", b.binary, strings.Join(args, " "))

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)
	output := stdout.String()

	if err != nil {
		combined := output + "\n" + stderr.String()
		code := classifyOutput(combined)
		if code == workflow.CodeUnknown && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = workflow.CodeTimeout
		}
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return nil, workflow.NewExecutionError(message, err).
			WithCode(code).
			WithOperation(req.Command).
			WithDetail("duration", duration.String())
	}

	return &engine.OperationResult{
		Command:  req.Command,
		Output:   output,
		Changed:  strings.Contains(output, "changed"),
		Duration: duration,
	}, nil
}

func classifyOutput(output string) string {
	for _, code := range knownCodes {
		if strings.Contains(output, code) {
			return code
		}
	}
	return workflow.CodeUnknown
}

func variableEnv(variables map[string]string) []string {
	env := make([]string, 0, len(variables))
	for _, key := range sortedKeys(variables) {
		env = append(env, fmt.Sprintf("ROLLOUT_VAR_%s=%s", strings.ToUpper(key), variables[key]))
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
