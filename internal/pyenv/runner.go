// Package pyenv creates and maintains the dedicated Python environment the
// worker runs in.
package pyenv

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"

	"localinfer/internal/logging"
)

// Cmd is one external command.
type Cmd struct {
	Path string
	Args []string
	Env  map[string]string // additional env vars
	Dir  string
}

func (c Cmd) String() string { return fmt.Sprint(append([]string{c.Path}, c.Args...)) }

// Runner executes commands. Tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, c Cmd) error
}

// ExecRunner runs commands with os/exec and forwards their output to the
// logger line by line.
type ExecRunner struct {
	Log zerolog.Logger
}

func (r ExecRunner) Run(ctx context.Context, c Cmd) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = outW
	cmd.Stderr = outW
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return err
	}
	outW.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		logging.PipeLines(r.Log.With().Str("cmd", c.Path).Logger(), "output", outR)
	}()
	err = cmd.Wait()
	<-done
	outR.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	return nil
}
