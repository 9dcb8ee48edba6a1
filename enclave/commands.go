package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/tee-enclave-bootstrap/config"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// Command is a lifecycle request from the host.
type Command string

const (
	CommandInit     Command = "init_enclave"
	CommandStart    Command = "start_service"
	CommandFinalize Command = "finalize_enclave"
)

// ErrUnknownCommand is returned for commands outside the lifecycle.
var ErrUnknownCommand = errors.New("unknown command")

// StatusResponse is the output of every successful command.
type StatusResponse struct {
	State string `json:"state"`
}

// HandleCommand dispatches a host command. The start_service input is a JSON-encoded
// config.RuntimeConfig; an undecodable input is a service error and leaves the state unchanged.
func (c *Controller) HandleCommand(ctx context.Context, cmd Command, input []byte) ([]byte, error) {
	var err error

	switch cmd {
	case CommandInit:
		err = c.Init()
	case CommandStart:
		var rc config.RuntimeConfig
		if jerr := json.Unmarshal(input, &rc); jerr != nil {
			c.log.Error("Could not decode runtime configuration", "err", jerr)
			return nil, interfaces.ErrServiceError
		}
		err = c.StartService(ctx, &rc)
	case CommandFinalize:
		err = c.Finalize(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}

	if err != nil {
		return nil, err
	}
	return json.Marshal(StatusResponse{State: c.State().String()})
}
