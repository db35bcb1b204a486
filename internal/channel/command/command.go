package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"listflow/internal/channel"
	"listflow/internal/domain"
)

// Command lists items by running a local program. The item is written to
// stdin as JSON and the program prints a channel.Result as JSON on stdout.
type Command struct {
	Path string
	Args []string
}

var _ channel.Client = Command{}

func (c Command) List(ctx context.Context, item domain.WorkItem) (channel.Result, error) {
	if c.Path == "" {
		return channel.Result{}, fmt.Errorf("command is required")
	}
	in, err := json.Marshal(item)
	if err != nil {
		return channel.Result{}, err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return channel.Result{}, fmt.Errorf("command error: %v; stderr=%s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	var res channel.Result
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return channel.Result{}, fmt.Errorf("invalid command output %q: %w", bytes.TrimSpace(out), err)
	}
	return res, nil
}
