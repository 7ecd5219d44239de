package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/netbro-agent/internal/supervisor"
	"github.com/nerrad567/netbro-agent/internal/transport"
)

// Command names understood by the agent.
const (
	Ping      = "ping"
	GetStatus = "get_status"
)

// Response statuses.
const (
	StatusPong  = "pong"
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is a command received on the agent's command channel.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is published on the agent's response channel.
type Response struct {
	Status        string               `json:"status"`
	Command       string               `json:"command,omitempty"`
	CommandID     string               `json:"command_id"`
	Message       string               `json:"message,omitempty"`
	UptimeSeconds *float64             `json:"uptime,omitempty"`
	Data          *supervisor.Snapshot `json:"data,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// StatusProvider reports the connectivity state. *supervisor.Supervisor
// implements it.
type StatusProvider interface {
	Snapshot() supervisor.Snapshot
}

// UptimeFunc returns host uptime in seconds.
type UptimeFunc func(ctx context.Context) (float64, error)

// Dispatcher answers hub commands. Every request gets a response, including
// malformed and unknown ones, so the hub never waits on a silent agent.
type Dispatcher struct {
	status StatusProvider
	uptime UptimeFunc
	logger transport.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(status StatusProvider, uptime UptimeFunc, logger transport.Logger) *Dispatcher {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	return &Dispatcher{
		status: status,
		uptime: uptime,
		logger: logger,
		now:    time.Now,
	}
}

// Handle decodes payload, runs the command and encodes the response.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		d.logger.Warn("malformed command", "error", err)
		return d.encode(Response{
			Status:    StatusError,
			CommandID: uuid.NewString(),
			Message:   fmt.Sprintf("invalid command: %v", err),
		})
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	d.logger.Info("command received", "command", req.Command, "command_id", req.ID)

	resp := Response{Command: req.Command, CommandID: req.ID}
	switch req.Command {
	case Ping:
		resp.Status = StatusPong
		if d.uptime != nil {
			if up, err := d.uptime(ctx); err == nil {
				resp.UptimeSeconds = &up
			}
		}
	case GetStatus:
		resp.Status = StatusOK
		if d.status != nil {
			snap := d.status.Snapshot()
			resp.Data = &snap
		}
	default:
		d.logger.Warn("unknown command", "command", req.Command, "command_id", req.ID)
		resp.Status = StatusError
		resp.Message = fmt.Sprintf("Unknown command: %s", req.Command)
	}
	return d.encode(resp)
}

func (d *Dispatcher) encode(resp Response) ([]byte, error) {
	resp.Timestamp = d.now().UTC()
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding command response: %w", err)
	}
	return b, nil
}

var _ supervisor.CommandHandler = (*Dispatcher)(nil)
