package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// IdentityPlaceholder is substituted with the identity in command templates.
const IdentityPlaceholder = "{identity}"

// CommandTemplates configures the command backend. Block and Unblock are
// required; an empty Probe always succeeds.
type CommandTemplates struct {
	Block   string
	Unblock string
	Probe   string
}

// Command runs operator-supplied commands. The operator is responsible for
// making them idempotent.
type Command struct {
	runner  CommandRunner
	block   []string
	unblock []string
	probe   []string
}

// parseTemplate splits a template with shell quoting rules.
func parseTemplate(tmpl string) ([]string, error) {
	args, err := shlex.Split(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", tmpl, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}

func NewCommand(runner CommandRunner, tmpl CommandTemplates) (*Command, error) {
	c := &Command{runner: runner}
	var err error
	if c.block, err = parseTemplate(tmpl.Block); err != nil {
		return nil, fmt.Errorf("block template: %w", err)
	}
	if c.unblock, err = parseTemplate(tmpl.Unblock); err != nil {
		return nil, fmt.Errorf("unblock template: %w", err)
	}
	if strings.TrimSpace(tmpl.Probe) != "" {
		if c.probe, err = parseTemplate(tmpl.Probe); err != nil {
			return nil, fmt.Errorf("probe template: %w", err)
		}
	}
	return c, nil
}

func (c *Command) Name() string { return "command" }

func (c *Command) Probe(ctx context.Context) error {
	if len(c.probe) == 0 {
		return nil
	}
	if _, err := c.runner.Run(ctx, c.probe[0], c.probe[1:]...); err != nil {
		return fmt.Errorf("%w: probe command: %v", ports.ErrBackendUnavailable, err)
	}
	return nil
}

func expand(args []string, identity string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, IdentityPlaceholder, identity)
	}
	return out
}

func (c *Command) run(ctx context.Context, tmpl []string, identity string) error {
	addr, err := parseIdentity(identity)
	if err != nil {
		return err
	}
	args := expand(tmpl, addr.String())
	_, err = c.runner.Run(ctx, args[0], args[1:]...)
	return err
}

func (c *Command) Block(ctx context.Context, identity string) error {
	if err := c.run(ctx, c.block, identity); err != nil {
		return fmt.Errorf("block command: %w", err)
	}
	return nil
}

func (c *Command) Unblock(ctx context.Context, identity string) error {
	if err := c.run(ctx, c.unblock, identity); err != nil {
		return fmt.Errorf("unblock command: %w", err)
	}
	return nil
}
