// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitfield/script"
	"mvdan.cc/sh/v3/shell"

	"etlflow/pkg/dag"
)

// ShellAction runs a command line as a child process.
//
// The command receives the task context as JSON on stdin and as ETLFLOW_*
// environment variables. Its trimmed combined output becomes the task output.
// Exit code 99 marks the task Skipped. When ctx ends the command and every
// process it started are killed.
type ShellAction struct {
	Command string
	Env     map[string]string
}

// shellWaitDelay bounds how long Execute waits for output after the command
// was killed.
const shellWaitDelay = 2 * time.Second

// Execute runs the command and waits for it to exit.
func (a *ShellAction) Execute(ctx context.Context, tc dag.TaskContext) (dag.Output, error) {
	args, err := shell.Fields(a.Command, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse command %q: %w", a.Command, err)
	}
	if len(args) == 0 {
		return "", errors.New("empty shell command")
	}

	payload, err := json.Marshal(contextPayload(tc))
	if err != nil {
		return "", fmt.Errorf("failed to encode task context: %w", err)
	}

	env := append(os.Environ(), contextEnv(tc)...)
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = shellWaitDelay
	killProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()
	raw, _ := script.NewPipe().WithReader(pr).String()
	err = <-waitErr
	out := strings.TrimSpace(raw)

	if ctx.Err() != nil {
		return "", fmt.Errorf("shell command killed: %w", ctx.Err())
	}
	if err == nil {
		return dag.Output(out), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == SkipExitCode {
		return "", fmt.Errorf("%w: %s exited with %d", dag.ErrSkip, a.Command, SkipExitCode)
	}
	return "", fmt.Errorf("shell command failed: %w: %s", err, tail(out, 512))
}

// payload is the JSON document handed to external commands.
type payload struct {
	RunID       string            `json:"run_id"`
	DAG         string            `json:"dag"`
	Task        string            `json:"task"`
	Attempt     int               `json:"attempt"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Params      map[string]string `json:"params,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

func contextPayload(tc dag.TaskContext) payload {
	p := payload{
		RunID:       tc.RunID,
		DAG:         tc.DAG,
		Task:        tc.Task,
		Attempt:     tc.Attempt,
		WindowStart: tc.Window.Start,
		WindowEnd:   tc.Window.End,
		Params:      tc.Params,
	}
	if len(tc.Inputs) > 0 {
		p.Inputs = make(map[string]string, len(tc.Inputs))
		for k, v := range tc.Inputs {
			p.Inputs[k] = string(v)
		}
	}
	return p
}

// contextEnv renders tc as sorted KEY=value pairs.
func contextEnv(tc dag.TaskContext) []string {
	env := []string{
		"ETLFLOW_RUN_ID=" + tc.RunID,
		"ETLFLOW_DAG=" + tc.DAG,
		"ETLFLOW_TASK=" + tc.Task,
		"ETLFLOW_ATTEMPT=" + strconv.Itoa(tc.Attempt),
		"ETLFLOW_WINDOW_START=" + tc.Window.Start.Format(time.RFC3339),
		"ETLFLOW_WINDOW_END=" + tc.Window.End.Format(time.RFC3339),
	}
	var extra []string
	for k, v := range tc.Params {
		extra = append(extra, "ETLFLOW_PARAM_"+envName(k)+"="+v)
	}
	for k, v := range tc.Inputs {
		extra = append(extra, "ETLFLOW_INPUT_"+envName(k)+"="+string(v))
	}
	sort.Strings(extra)
	return append(env, extra...)
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
