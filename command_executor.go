package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Executor constants
const (
	// time allowed for output pipes to drain after the process exits or is killed
	PipeDrainDelay = 2 * time.Second
	// longest single output line accepted by ExecAsync
	MaxAsyncLineSize = 1024 * 1024
)

// Command describes one external program invocation
type Command struct {
	Name    string
	Args    []string
	Env     map[string]string
	Timeout time.Duration // 0 means no limit
	Charset string        // IANA name of the output encoding, empty for utf-8
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandRunner runs a command to completion and returns its merged output
type CommandRunner interface {
	ExecSync(ctx context.Context, cmd Command) (string, error)
}

// AsyncRunner starts long-running commands
type AsyncRunner interface {
	ExecAsync(ctx context.Context, cmd Command, onLine func(string)) (*ProcessHandle, error)
}

// CommandExecutor spawns external programs from a fixed working directory and
// tracks every live process so they can be torn down together
type CommandExecutor struct {
	workDir string
	logger  *zap.Logger

	processes map[int]*os.Process
	mutex     sync.Mutex
}

// NewCommandExecutor creates an executor running programs from workDir
func NewCommandExecutor(workDir string, logger *zap.Logger) *CommandExecutor {
	return &CommandExecutor{
		workDir:   workDir,
		logger:    logger.Named("executor"),
		processes: make(map[int]*os.Process),
	}
}

// ProcessHandle tracks a process started by ExecAsync
type ProcessHandle struct {
	ID  string
	PID int

	done     chan struct{}
	exitCode int
	kill     func()
}

// Done is closed once the process has exited and its output was delivered
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit status; only valid after Done is closed
func (h *ProcessHandle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Kill terminates the process tree
func (h *ProcessHandle) Kill() {
	h.kill()
}

// ExecSync runs cmd and returns stdout and stderr as one text. A non-zero exit
// is not an error. When the timeout expires the process tree is killed and the
// output captured so far is returned without error.
func (e *CommandExecutor) ExecSync(ctx context.Context, c Command) (string, error) {
	start := time.Now()
	program := filepath.Base(c.Name)

	cmd := e.newCmd(c)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		RecordCommand(program, outcomeError, time.Since(start))
		return "", fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	pid := cmd.Process.Pid
	e.track(pid, cmd.Process)
	defer e.untrack(pid)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	outcome := outcomeOK
	var result error

	select {
	case err := <-waitErr:
		if err != nil && !isExitStatus(err) {
			outcome = outcomeError
			result = fmt.Errorf("%s: %w", c.Name, err)
		}
	case <-timeout:
		e.logger.Warn("command timed out",
			zap.String("command", c.String()),
			zap.Duration("timeout", c.Timeout))
		e.killTree(cmd.Process)
		<-waitErr
		outcome = outcomeTimeout
	case <-ctx.Done():
		e.killTree(cmd.Process)
		<-waitErr
		outcome = outcomeCancel
		result = ctx.Err()
	}

	elapsed := time.Since(start)
	RecordCommand(program, outcome, elapsed)
	e.logger.Debug("command finished",
		zap.String("command", c.String()),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed))

	text, err := decodeOutput(out.Bytes(), c.Charset)
	if err != nil {
		e.logger.Warn("output decoding failed", zap.String("charset", c.Charset), zap.Error(err))
	}
	return text, result
}

// ExecAsync starts cmd and delivers merged output line by line to onLine.
// The process is killed when ctx ends.
func (e *CommandExecutor) ExecAsync(ctx context.Context, c Command, onLine func(string)) (*ProcessHandle, error) {
	start := time.Now()
	program := filepath.Base(c.Name)

	dec, err := charsetDecoder(c.Charset)
	if err != nil {
		return nil, err
	}

	cmd := e.newCmd(c)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		RecordCommand(program, outcomeError, time.Since(start))
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	pid := cmd.Process.Pid
	e.track(pid, cmd.Process)

	handle := &ProcessHandle{
		ID:   uuid.NewString(),
		PID:  pid,
		done: make(chan struct{}),
	}
	handle.kill = func() { e.killTree(cmd.Process) }

	stopWatch := context.AfterFunc(ctx, handle.kill)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxAsyncLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			if dec != nil {
				if decoded, err := dec.String(line); err == nil {
					line = decoded
				}
			}
			if onLine != nil {
				onLine(line)
			}
		}
		// keep the writer unblocked if the scanner gave up early
		io.Copy(io.Discard, pr)
	}()

	go func() {
		err := cmd.Wait()
		pw.Close()
		<-scanDone
		stopWatch()
		e.untrack(pid)

		outcome := outcomeOK
		if err != nil && !isExitStatus(err) {
			outcome = outcomeError
		}
		if cmd.ProcessState != nil {
			handle.exitCode = cmd.ProcessState.ExitCode()
		}
		RecordCommand(program, outcome, time.Since(start))
		e.logger.Debug("async command exited",
			zap.String("command", c.String()),
			zap.Int("pid", pid),
			zap.Int("exit_code", handle.exitCode))
		close(handle.done)
	}()

	return handle, nil
}

// DestroyAll force-terminates every tracked process tree
func (e *CommandExecutor) DestroyAll() {
	e.mutex.Lock()
	procs := make([]*os.Process, 0, len(e.processes))
	for _, p := range e.processes {
		procs = append(procs, p)
	}
	e.mutex.Unlock()

	if len(procs) > 0 {
		e.logger.Info("destroying tracked processes", zap.Int("count", len(procs)))
	}
	for _, p := range procs {
		e.killTree(p)
	}
}

// Tracked returns the number of live processes
func (e *CommandExecutor) Tracked() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.processes)
}

// Close implements Cleanup
func (e *CommandExecutor) Close() error {
	e.DestroyAll()
	return nil
}

func (e *CommandExecutor) newCmd(c Command) *exec.Cmd {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = e.workDir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.WaitDelay = PipeDrainDelay
	configureCommandProcess(cmd)
	return cmd
}

func (e *CommandExecutor) track(pid int, p *os.Process) {
	e.mutex.Lock()
	e.processes[pid] = p
	e.mutex.Unlock()
}

func (e *CommandExecutor) untrack(pid int) {
	e.mutex.Lock()
	delete(e.processes, pid)
	e.mutex.Unlock()
}

// killTree kills the descendants of p first so none is reparented and missed
func (e *CommandExecutor) killTree(p *os.Process) {
	if proc, err := process.NewProcess(int32(p.Pid)); err == nil {
		for _, child := range descendants(proc) {
			if err := child.Kill(); err != nil {
				e.logger.Debug("failed to kill child process", zap.Int32("pid", child.Pid), zap.Error(err))
			}
		}
	}
	killProcessGroup(p)
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.logger.Debug("failed to kill process", zap.Int("pid", p.Pid), zap.Error(err))
	}
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var all []*process.Process
	for _, c := range children {
		all = append(all, descendants(c)...)
		all = append(all, c)
	}
	return all
}

func isExitStatus(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay)
}

// mergeEnv overlays extra on base, replacing variables that already exist
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// charsetDecoder returns nil when no transcoding is needed
func charsetDecoder(charset string) (*encoding.Decoder, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	return enc.NewDecoder(), nil
}

func decodeOutput(b []byte, charset string) (string, error) {
	dec, err := charsetDecoder(charset)
	if err != nil || dec == nil {
		return string(b), err
	}
	decoded, err := dec.Bytes(b)
	if err != nil {
		return string(b), err
	}
	return string(decoded), nil
}
