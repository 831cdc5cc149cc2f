package template

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// CommandRunner shells out to an external check (lighthouse CLI, axe-core,
// an HTML validator). The preview URL is appended as the last argument and
// the command must print a Report as JSON on stdout.
type CommandRunner struct {
	name string
	argv []string
}

// NewCommandRunner creates a runner for the given command line. argv must
// have at least the executable.
func NewCommandRunner(name string, argv []string) (*CommandRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("runner %s: empty command", name)
	}
	return &CommandRunner{name: name, argv: argv}, nil
}

func (r *CommandRunner) Name() string { return r.name }

func (r *CommandRunner) Run(ctx context.Context, previewURL string) (*Report, error) {
	args := append(append([]string{}, r.argv[1:]...), previewURL)
	cmd := exec.CommandContext(ctx, r.argv[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("runner %s: %w: %s", r.name, err, stderr.String())
	}

	var report Report
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return nil, fmt.Errorf("runner %s: parse report: %w", r.name, err)
	}
	return &report, nil
}
