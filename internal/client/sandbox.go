package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lximedia/lxiserver/internal/model"
	"github.com/lximedia/lxiserver/internal/protocol"
)

// Sandbox defaults.
const (
	DefaultSandboxSockets      = 32
	DefaultSandboxStartTimeout = 10 * time.Second
	DefaultSandboxStopTimeout  = 250 * time.Millisecond
)

// Errors returned by the sandbox client.
var (
	ErrSandboxTerminated = errors.New("sandbox process terminated")
	ErrInvalidReadyLine  = errors.New("invalid sandbox ready line")
)

// SandboxHooks observe the worker process.
type SandboxHooks struct {
	// ConsoleLine receives every stderr line that is not a protocol marker.
	ConsoleLine func(line string)
	// Terminated fires when the process exits for any reason.
	Terminated func()
	// Finished fires when the process announces an orderly stop.
	Finished func()
}

// SandboxClient sends requests to a worker process it spawns on demand.
// A crashed worker is respawned by the next request.
type SandboxClient struct {
	mode         string
	command      func(mode string) (*exec.Cmd, error)
	hooks        SandboxHooks
	logger       *slog.Logger
	startTimeout time.Duration
	stopTimeout  time.Duration
	client       *Client

	mu      sync.Mutex
	proc    *sandboxProcess
	closing bool
}

type sandboxProcess struct {
	cmd     *exec.Cmd
	address string
	ready   chan struct{}
	exited  chan struct{}
}

// SandboxOption configures a SandboxClient.
type SandboxOption func(*SandboxClient)

// WithCommand sets how the worker process is created. The default runs the
// current executable with "sandbox --mode <mode>".
func WithCommand(command func(mode string) (*exec.Cmd, error)) SandboxOption {
	return func(s *SandboxClient) {
		if command != nil {
			s.command = command
		}
	}
}

// WithSandboxHooks sets the process observers.
func WithSandboxHooks(h SandboxHooks) SandboxOption {
	return func(s *SandboxClient) { s.hooks = h }
}

// WithSandboxLogger sets the logger.
func WithSandboxLogger(logger *slog.Logger) SandboxOption {
	return func(s *SandboxClient) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStartTimeout bounds the wait for the ready line.
func WithStartTimeout(d time.Duration) SandboxOption {
	return func(s *SandboxClient) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// WithStopTimeout sets the wait between shutdown escalation steps.
func WithStopTimeout(d time.Duration) SandboxOption {
	return func(s *SandboxClient) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithClientOptions passes options to the underlying Client.
func WithClientOptions(opts ...Option) SandboxOption {
	return func(s *SandboxClient) {
		s.client = New(append([]Option{WithMaxOpenSockets(DefaultSandboxSockets)}, opts...)...)
	}
}

// DefaultCommand runs the current executable as a sandbox worker.
func DefaultCommand(mode string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return exec.Command(self, "sandbox", "--mode", mode), nil
}

// NewSandbox creates a sandbox client for workers started in mode.
func NewSandbox(mode string, opts ...SandboxOption) *SandboxClient {
	s := &SandboxClient{
		mode:         mode,
		command:      DefaultCommand,
		logger:       slog.Default(),
		startTimeout: DefaultSandboxStartTimeout,
		stopTimeout:  DefaultSandboxStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = New(WithMaxOpenSockets(DefaultSandboxSockets), WithLogger(s.logger))
	}
	return s
}

// Client returns the underlying connection pool.
func (s *SandboxClient) Client() *Client {
	return s.client
}

// Address returns the worker address, or "" if no worker is running.
func (s *SandboxClient) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return ""
	}
	select {
	case <-s.proc.ready:
		return s.proc.address
	default:
		return ""
	}
}

// Do starts the worker if needed and sends req to it.
func (s *SandboxClient) Do(ctx context.Context, req *model.RequestMessage) (*model.ResponseMessage, error) {
	address, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	req.SetHost(address)
	return s.client.Do(ctx, req)
}

// BlockingRequest is like Client.BlockingRequest for the worker.
func (s *SandboxClient) BlockingRequest(req *model.RequestMessage, timeout time.Duration) *model.ResponseMessage {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := s.Do(ctx, req)
	if err != nil {
		s.logger.Debug("sandbox request failed", "mode", s.mode, "path", req.Path(), "error", err)
		return InternalError(req)
	}
	return resp
}

// OpenRequest sends req asynchronously and hands the response to receiver.
func (s *SandboxClient) OpenRequest(req *model.RequestMessage, receiver Receiver) {
	go func() {
		resp := s.BlockingRequest(req, s.client.requestTimeout)
		if receiver != nil {
			receiver.HTTPResponse(resp)
		}
	}()
}

// ensureStarted returns the worker address, spawning the worker and waiting
// for its ready line when none is running.
func (s *SandboxClient) ensureStarted(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", ErrClientClosed
	}
	proc := s.proc
	if proc == nil {
		var err error
		if proc, err = s.spawn(); err != nil {
			s.mu.Unlock()
			return "", err
		}
		s.proc = proc
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.startTimeout)
	defer timer.Stop()

	select {
	case <-proc.ready:
		return proc.address, nil
	case <-proc.exited:
		return "", ErrSandboxTerminated
	case <-timer.C:
		// A worker that never became ready is not reused by later requests.
		s.mu.Lock()
		if s.proc == proc {
			s.proc = nil
		}
		s.mu.Unlock()

		s.logger.Warn("sandbox not ready, stopping", "mode", s.mode, "timeout", s.startTimeout)
		s.stop(proc)
		return "", fmt.Errorf("%w: no ready line within %s", ErrSandboxTerminated, s.startTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *SandboxClient) spawn() (*sandboxProcess, error) {
	cmd, err := s.command(s.mode)
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}
	s.logger.Debug("sandbox started", "mode", s.mode, "pid", cmd.Process.Pid)

	proc := &sandboxProcess{
		cmd:    cmd,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.watch(proc, stderr)
	return proc, nil
}

// watch reads the worker's stderr until it closes, then reaps the process.
func (s *SandboxClient) watch(proc *sandboxProcess, stderr io.Reader) {
	var readyOnce sync.Once

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case strings.HasPrefix(line, protocol.SandboxReady):
			address, err := ParseReadyLine(line)
			if err != nil {
				s.logger.Warn("sandbox sent malformed ready line", "line", line, "error", err)
				continue
			}
			readyOnce.Do(func() {
				proc.address = address
				close(proc.ready)
			})

		case strings.HasPrefix(line, protocol.SandboxStop):
			if s.hooks.Finished != nil {
				s.hooks.Finished()
			}

		default:
			line = strings.TrimPrefix(line, protocol.SandboxLinePrefix)
			if s.hooks.ConsoleLine != nil {
				s.hooks.ConsoleLine(line)
			} else {
				s.logger.Info("sandbox", "mode", s.mode, "line", line)
			}
		}
	}

	err := proc.cmd.Wait()
	s.logger.Debug("sandbox exited", "mode", s.mode, "error", err)

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()

	s.client.CloseIdle()
	close(proc.exited)

	if s.hooks.Terminated != nil {
		s.hooks.Terminated()
	}
}

// Close stops the worker, escalating from an exit request to SIGTERM to
// kill, and releases the connection pool.
func (s *SandboxClient) Close() error {
	s.mu.Lock()
	s.closing = true
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		s.stop(proc)
	}
	return s.client.Close()
}

func (s *SandboxClient) stop(proc *sandboxProcess) {
	select {
	case <-proc.ready:
		req := model.NewRequestMessage()
		req.SetPath("/?exit")
		req.SetHost(proc.address)
		req.SetConnection(model.ConnectionClose)
		s.client.BlockingRequest(req, s.stopTimeout)
	default:
	}

	if s.waitExit(proc) {
		return
	}
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err == nil && s.waitExit(proc) {
		return
	}
	s.logger.Warn("sandbox did not stop, killing", "mode", s.mode, "pid", proc.cmd.Process.Pid)
	proc.cmd.Process.Kill()
	<-proc.exited
}

func (s *SandboxClient) waitExit(proc *sandboxProcess) bool {
	select {
	case <-proc.exited:
		return true
	case <-time.After(s.stopTimeout):
		return false
	}
}

// ParseReadyLine extracts the worker address from "##READY <host> <port>"
// or "##READY <host>:<port>" with an optionally bracketed IPv6 host.
func ParseReadyLine(line string) (string, error) {
	fields := strings.Fields(strings.TrimPrefix(line, protocol.SandboxReady))

	switch len(fields) {
	case 2:
		return net.JoinHostPort(strings.Trim(fields[0], "[]"), fields[1]), nil
	case 1:
		host, port, err := net.SplitHostPort(fields[0])
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidReadyLine, err)
		}
		return net.JoinHostPort(host, port), nil
	default:
		return "", ErrInvalidReadyLine
	}
}
