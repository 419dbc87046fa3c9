package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// readLoop receives server-bound traffic for the life of the session and
// dispatches it. io.EOF is a graceful server close.
func (c *Controller) readLoop(ctx context.Context, sess *session, runner *CommandRunner, monitors *MonitorManager) error {
	for {
		env, err := sess.stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return errors.New("server closed the stream")
		}
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		if !env.Kind.AgentBound() {
			return fmt.Errorf("protocol violation: server sent %s", env.Kind)
		}
		c.dispatch(ctx, sess, runner, monitors, env)
	}
}

func (c *Controller) dispatch(ctx context.Context, sess *session, runner *CommandRunner, monitors *MonitorManager, env *protocol.Envelope) {
	switch msg := env.Payload.(type) {
	case *protocol.ServerHandshakeAck:
		// Already handshaken; a duplicate ack is harmless.
		c.log.Warn("duplicate handshake ack ignored")

	case *protocol.UpdateConfigRequest:
		c.applyConfig(ctx, sess, monitors, msg)

	case *protocol.CommandRequest:
		go c.runCommand(ctx, sess, msg)

	case *protocol.BatchAgentCommandRequest:
		c.log.Info("batch command accepted",
			"child_command_id", msg.ChildCommandID, "type", msg.CommandType)
		go runner.Run(ctx, msg)

	case *protocol.BatchTerminateCommandRequest:
		c.log.Info("batch command terminate requested", "child_command_id", msg.ChildCommandID)
		runner.Terminate(msg.ChildCommandID)

	case *protocol.TriggerUpdateCheck:
		// Self-update is handled by an external updater process.
		c.log.Info("update check requested, no updater configured")

	default:
		c.log.Warn("unhandled message", "kind", env.Kind.String())
	}
}

// applyConfig installs a pushed config and acknowledges it with the echoed
// version id so the server can match the ack to the push.
func (c *Controller) applyConfig(ctx context.Context, sess *session, monitors *MonitorManager, req *protocol.UpdateConfigRequest) {
	cfg := req.Config
	cfg.Normalize()
	sess.setConfig(cfg)
	monitors.Reconcile(ctx, cfg.ServiceMonitorTasks)
	c.log.Info("config applied",
		"config_version_id", req.ConfigVersionID,
		"metrics_interval", cfg.MetricsIntervalSeconds,
		"heartbeat_interval", cfg.HeartbeatIntervalSeconds,
		"monitor_tasks", len(cfg.ServiceMonitorTasks))

	err := sess.send(ctx, &protocol.UpdateConfigResponse{
		ConfigVersionID: req.ConfigVersionID,
		Success:         true,
	})
	if err != nil {
		c.log.Error("sending config ack failed", "error", err)
	}
}

// runCommand executes a one-off shell command outside the batch machinery
// and returns its combined output.
func (c *Controller) runCommand(ctx context.Context, sess *session, req *protocol.CommandRequest) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", req.Command)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-c", req.Command)
	}
	out, err := cmd.CombinedOutput()

	resp := &protocol.CommandResponse{
		RequestID: req.RequestID,
		Success:   err == nil,
		Output:    decodeOutput(out),
	}
	if err != nil {
		resp.ErrorMessage = err.Error()
	}
	if err := sess.send(ctx, resp); err != nil {
		c.log.Error("sending command response failed", "request_id", req.RequestID, "error", err)
	}
}
