package agent

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// terminatedMessage is the error recorded on a child command killed by a
// terminate request.
const terminatedMessage = "Command terminated by user request."

// terminatedExitCode is reported for terminated children regardless of the
// signal-dependent code the OS returns.
const terminatedExitCode = -1

// maxOutputLine bounds one streamed output line. Longer lines are split by
// the scanner's buffer.
const maxOutputLine = 1 << 20

// sendFunc delivers one payload to the server over the current session.
type sendFunc func(ctx context.Context, payload any) error

// CommandRunner executes batch child commands: one temp script per child,
// line-streamed output, and a one-shot terminate per child id.
type CommandRunner struct {
	log  *slog.Logger
	send sendFunc

	mu         sync.Mutex
	cancels    map[string]context.CancelFunc
	terminated map[string]bool
}

// NewCommandRunner creates a runner sending through the given session.
func NewCommandRunner(log *slog.Logger, send sendFunc) *CommandRunner {
	return &CommandRunner{
		log:        log.With("component", "commands"),
		send:       send,
		cancels:    make(map[string]context.CancelFunc),
		terminated: make(map[string]bool),
	}
}

// Run executes one child command to completion and sends the terminal
// result. Intended to be called on its own goroutine per child.
func (r *CommandRunner) Run(ctx context.Context, req *protocol.BatchAgentCommandRequest) {
	result := r.execute(ctx, req)
	if err := r.send(ctx, result); err != nil {
		r.log.Error("sending command result failed",
			"child_command_id", req.ChildCommandID, "error", err)
	}
}

// Terminate kills a running child. The cancel is one-shot: a second call
// for the same child is a no-op, as is a terminate for an unknown child.
func (r *CommandRunner) Terminate(childID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[childID]
	if ok {
		r.terminated[childID] = true
		delete(r.cancels, childID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *CommandRunner) execute(ctx context.Context, req *protocol.BatchAgentCommandRequest) *protocol.BatchCommandResult {
	childID := req.ChildCommandID
	result := &protocol.BatchCommandResult{ChildCommandID: childID}

	script, err := writeScript(req.Content)
	if err != nil {
		r.log.Error("writing command script failed", "child_command_id", childID, "error", err)
		result.Status = protocol.ResultAgentError
		result.ExitCode = terminatedExitCode
		result.ErrorMessage = err.Error()
		return result
	}
	defer os.Remove(script)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancels[childID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, childID)
		delete(r.terminated, childID)
		r.mu.Unlock()
	}()

	cmd := scriptCommand(runCtx, script)
	cmd.Dir = req.WorkingDirectory

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
			if err == nil {
				var wg sync.WaitGroup
				wg.Add(2)
				go r.streamOutput(ctx, childID, protocol.StreamStdout, stdout, &wg)
				go r.streamOutput(ctx, childID, protocol.StreamStderr, stderr, &wg)
				wg.Wait()
				err = cmd.Wait()
			}
		}
	}

	r.mu.Lock()
	wasTerminated := r.terminated[childID]
	r.mu.Unlock()

	switch {
	case wasTerminated:
		result.Status = protocol.ResultTerminated
		result.ExitCode = terminatedExitCode
		result.ErrorMessage = terminatedMessage
	case err == nil:
		result.Status = protocol.ResultCompletedSuccessfully
		result.ExitCode = 0
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.Status = protocol.ResultCompletedWithFailure
			result.ExitCode = exitErr.ExitCode()
			result.ErrorMessage = exitErr.Error()
		} else {
			// The process never ran (bad working directory, missing shell).
			result.Status = protocol.ResultAgentError
			result.ExitCode = terminatedExitCode
			result.ErrorMessage = err.Error()
		}
	}
	return result
}

// streamOutput forwards output lines as they appear, decoded per
// decodeOutput so legacy-console bytes cannot kill the stream.
func (r *CommandRunner) streamOutput(ctx context.Context, childID, streamType string, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		chunk := decodeOutput(scanner.Bytes())
		err := r.send(ctx, &protocol.BatchCommandOutputStream{
			ChildCommandID: childID,
			StreamType:     streamType,
			Chunk:          chunk,
			TimestampMs:    time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
	}
}

// writeScript materializes the command body as an executable temp file.
func writeScript(content string) (string, error) {
	pattern := "nexus-cmd-*.sh"
	if runtime.GOOS == "windows" {
		pattern = "nexus-cmd-*.ps1"
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "windows" {
		// PowerShell needs the BOM to read UTF-8 scripts correctly.
		if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func scriptCommand(ctx context.Context, script string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-File", script)
	}
	return exec.CommandContext(ctx, "bash", script)
}
