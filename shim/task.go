package shim

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/protobuf"
	ptypes "github.com/containerd/containerd/v2/pkg/protobuf/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/containerd/v2/plugins"
	"github.com/containerd/errdefs"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	registry.Register(&plugin.Registration{
		Type: plugins.TTRPCPlugin,
		ID:   "task",
		Requires: []plugin.Type{
			plugins.InternalPlugin,
		},
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			ss, err := ic.GetByID(plugins.InternalPlugin, "shutdown")
			if err != nil {
				return nil, err
			}
			return newTaskService(ic.Context, ss.(shutdown.Service))
		},
	})
}

// One init process per task. done is cancelled when the process has
// been reaped and exitTime/exitStatus are final.
type proc struct {
	pid int

	done       context.Context
	exitTime   time.Time
	exitStatus int

	stdout string
	stdin  string
}

func (p *proc) String() string {
	if p.done.Err() != nil {
		return fmt.Sprintf("pid:%d, exitTime:%s, exitStatus:%d", p.pid, p.exitTime.Format(time.RFC3339), p.exitStatus)
	}
	return fmt.Sprintf("pid:%d running", p.pid)
}

type taskService struct {
	mu       sync.RWMutex
	procs    map[string]*proc
	shutdown shutdown.Service
}

func newTaskService(ctx context.Context, sd shutdown.Service) (taskAPI.TaskService, error) {
	return &taskService{
		procs:    make(map[string]*proc, 1),
		shutdown: sd,
	}, nil
}

// RegisterTTRPC allows TTRPC services to be registered with the underlying server
func (s *taskService) RegisterTTRPC(server *ttrpc.Server) error {
	taskAPI.RegisterTaskService(server, s)
	return nil
}

var _ = shim.TTRPCService(&taskService{})

func (s *taskService) doneContext(id string) (context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}
	return proc.done, nil
}

// The init process starts suspended so that containerd's Start call,
// not Create, decides when the script begins to run.
const startStoppedScript = `
#!/bin/sh
kill -STOP $$
exec $@
`

const commandWaitDelay = 100 * time.Millisecond

// connectStreams wires the command's pipes to the fifos containerd
// handed us. An empty stderr path falls back to the stdout fifo.
func connectStreams(ctx context.Context, cmd *exec.Cmd, r *taskAPI.CreateTaskRequest) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("getting stdout pipe: %w", err)
	}
	if err := fifoCopy(ctx, r.Stdout, nil, stdout); err != nil {
		return err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("getting stdin pipe: %w", err)
	}
	if err := fifoCopy(ctx, r.Stdin, stdin, nil); err != nil {
		return err
	}

	stderrPath := r.Stderr
	if stderrPath == "" {
		stderrPath = r.Stdout
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	return fifoCopy(ctx, stderrPath, nil, stderr)
}

// fifoCopy pumps one stream between a fifo and a command pipe. Exactly
// one of w (fifo feeds the pipe) and rd (pipe feeds the fifo) is set.
func fifoCopy(ctx context.Context, path string, w io.WriteCloser, rd io.ReadCloser) error {
	isFifo, err := fifo.IsFifo(path)
	if err != nil {
		return fmt.Errorf("checking whether file %s is a fifo: %w", path, err)
	}
	if !isFifo {
		return fmt.Errorf("file %s is not a fifo", path)
	}

	if rd != nil {
		fw, err := fifo.OpenFifo(ctx, path, syscall.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("opening write only fifo %s: %w", path, err)
		}
		go func() {
			if _, err := io.Copy(fw, rd); err != nil {
				log.G(ctx).WithError(err).Errorf("failed to copy pipe to fifo %s", path)
			}
		}()
		return nil
	}

	fr, err := fifo.OpenFifo(ctx, path, syscall.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening read only fifo %s: %w", path, err)
	}
	go func() {
		if _, err := io.Copy(w, fr); err != nil {
			log.G(ctx).WithError(err).Errorf("failed to copy fifo %s to pipe", path)
		}
	}()
	return nil
}

// reap waits for the init process, records its exit status, and shuts
// the shim down once every task has finished.
func (s *taskService) reap(ctx context.Context, cmd *exec.Cmd, id string, markDone func()) {
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			log.G(ctx).WithError(err).Errorf("failed to wait for init process %d", pid)
		}
	}
	log.G(ctx).Debugf("init process %d exited", pid)

	exitStatus := 255
	if state := cmd.ProcessState; state != nil {
		switch waitStatus := state.Sys().(syscall.WaitStatus); {
		case state.Exited():
			exitStatus = state.ExitCode()
		case waitStatus.Signaled():
			exitStatus = exitCodeSignal + int(waitStatus.Signal())
		}
	} else {
		log.G(ctx).Warn("init process wait returned without setting process state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[id]
	if !ok {
		log.G(ctx).Errorf("failed to write final status of done init process: task was removed")
		return
	}
	proc.exitStatus = exitStatus
	proc.exitTime = time.Now()
	markDone()

	for _, p := range s.procs {
		if p.done.Err() == nil {
			return
		}
	}
	log.G(ctx).Debug("all procs exited. shutting down the shim")
	s.shutdown.Shutdown()
}

// Create a new container
func (s *taskService) Create(ctx context.Context, r *taskAPI.CreateTaskRequest) (*taskAPI.CreateTaskResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.procs[r.ID]; ok {
		return nil, errdefs.ErrAlreadyExists
	}

	bundle, err := ReadBundle(r.Bundle)
	if err != nil {
		return nil, fmt.Errorf("reading bundle config: %w", err)
	}

	scriptPath := filepath.Join(r.Bundle, "start-stopped.sh")
	if err := os.WriteFile(scriptPath, []byte(startStoppedScript), 0755); err != nil {
		return nil, fmt.Errorf("writing start-stopped.sh: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("getting executable of current process: %w", err)
	}

	// Re-exec this binary in interpreter mode against the bundle's
	// script. A fault in the program becomes exit status 1.
	cmd := exec.CommandContext(ctx, "/bin/sh", scriptPath, self, "bfrun", "-file", bundle.ScriptPath())
	cmd.WaitDelay = commandWaitDelay

	if err := connectStreams(ctx, cmd, r); err != nil {
		return nil, err
	}

	// Starts suspended; Start sends SIGCONT
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("running init command: %w", err)
	}
	pid := cmd.Process.Pid

	doneCtx, markDone := context.WithCancel(context.Background())
	go s.reap(ctx, cmd, r.ID, markDone)

	if err := writePidFile(r.ID, pid); err != nil {
		log.G(ctx).WithError(err).Warnf("failed to write pid file for task %s", r.ID)
	}

	s.procs[r.ID] = &proc{
		pid:    pid,
		done:   doneCtx,
		stdout: r.Stdout,
		stdin:  r.Stdin,
	}

	return &taskAPI.CreateTaskResponse{
		Pid: uint32(pid),
	}, nil
}

// Start the primary user process inside the container
func (s *taskService) Start(ctx context.Context, r *taskAPI.StartRequest) (*taskAPI.StartResponse, error) {
	log.G(ctx).Debug("start (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[r.ID]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}

	cmd := exec.CommandContext(ctx, "kill", "-CONT", strconv.Itoa(proc.pid))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting init command: %w", err)
	}

	return &taskAPI.StartResponse{
		Pid: uint32(proc.pid),
	}, nil
}

// Delete a process or container
func (s *taskService) Delete(ctx context.Context, r *taskAPI.DeleteRequest) (*taskAPI.DeleteResponse, error) {
	log.G(ctx).Debug("delete (service)")

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[r.ID]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}
	if proc.done.Err() == nil {
		return nil, errdefs.ErrFailedPrecondition.WithMessage(fmt.Sprintf("init process %d is not done yet", proc.pid))
	}
	delete(s.procs, r.ID)

	return &taskAPI.DeleteResponse{
		Pid:        uint32(proc.pid),
		ExitStatus: uint32(proc.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(proc.exitTime),
	}, nil
}

// Exec an additional process inside the container
func (s *taskService) Exec(ctx context.Context, r *taskAPI.ExecProcessRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("exec (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Exec (task)")
}

// ResizePty of a process
func (s *taskService) ResizePty(ctx context.Context, r *taskAPI.ResizePtyRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("resizepty (service)")
	return &ptypes.Empty{}, nil
}

// State returns runtime state of a process
func (s *taskService) State(ctx context.Context, r *taskAPI.StateRequest) (*taskAPI.StateResponse, error) {
	log.G(ctx).Debug("state (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[r.ID]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}

	status := tasktypes.Status_RUNNING
	if proc.done.Err() != nil {
		status = tasktypes.Status_STOPPED
	}

	return &taskAPI.StateResponse{
		ID:         r.ID,
		Pid:        uint32(proc.pid),
		Status:     status,
		Stdout:     proc.stdout,
		Stdin:      proc.stdin,
		ExitStatus: uint32(proc.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(proc.exitTime),
	}, nil
}

// Pause the container
func (s *taskService) Pause(ctx context.Context, r *taskAPI.PauseRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("pause (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Pause (task)")
}

// Resume the container
func (s *taskService) Resume(ctx context.Context, r *taskAPI.ResumeRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("resume (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Resume (task)")
}

// Kill a process
func (s *taskService) Kill(ctx context.Context, r *taskAPI.KillRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("kill (service)")

	alreadyExited, err := func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		proc, ok := s.procs[r.ID]
		if !ok {
			return false, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
		}
		if proc.done.Err() != nil {
			return true, nil
		}

		if proc.pid > 0 {
			p, err := os.FindProcess(proc.pid)
			log.G(ctx).Debugf("kill id:%s execid:%s pid:%d sig:%d err:%v", r.ID, r.ExecID, proc.pid, r.Signal, err)
			// The POSIX standard specifies that a null-signal can be sent to check
			// whether a PID is valid.
			if err := p.Signal(syscall.Signal(0)); err == nil {
				sig := syscall.Signal(r.Signal)
				if err := p.Signal(sig); err != nil {
					return false, fmt.Errorf("sending %s to init process: %w", sig, err)
				}
			}
		}
		return false, nil
	}()

	if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to send kill syscall to init process %s", r.ID)
		return nil, err
	}

	if alreadyExited {
		log.G(ctx).Warnf("task already exited: %s", r.ID)
	} else {
		done, err := s.doneContext(r.ID)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done.Done():
		}
	}

	return &ptypes.Empty{}, nil
}

// Pids returns all pids inside the container
func (s *taskService) Pids(ctx context.Context, r *taskAPI.PidsRequest) (*taskAPI.PidsResponse, error) {
	log.G(ctx).Debug("pids (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Pids (task)")
}

// CloseIO of a process
func (s *taskService) CloseIO(ctx context.Context, r *taskAPI.CloseIORequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("closeio (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("CloseIO (task)")
}

// Checkpoint the container
func (s *taskService) Checkpoint(ctx context.Context, r *taskAPI.CheckpointTaskRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("checkpoint (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Checkpoint (task)")
}

// Connect returns shim information of the underlying service
func (s *taskService) Connect(ctx context.Context, r *taskAPI.ConnectRequest) (*taskAPI.ConnectResponse, error) {
	log.G(ctx).Debug("connect (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[r.ID]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}

	return &taskAPI.ConnectResponse{
		ShimPid: uint32(os.Getpid()),
		TaskPid: uint32(proc.pid),
	}, nil
}

// Shutdown is called after the underlying resources of the shim are cleaned up and the service can be stopped
func (s *taskService) Shutdown(ctx context.Context, r *taskAPI.ShutdownRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("shutdown (service)")
	s.shutdown.Shutdown()
	return &ptypes.Empty{}, nil
}

// Stats returns container level system stats for a container and its processes
func (s *taskService) Stats(ctx context.Context, r *taskAPI.StatsRequest) (*taskAPI.StatsResponse, error) {
	log.G(ctx).Debug("stats (service)")
	return &taskAPI.StatsResponse{
		Stats: &anypb.Any{},
	}, nil
}

// Update the live container
func (s *taskService) Update(ctx context.Context, r *taskAPI.UpdateTaskRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("update (service)")
	return nil, errdefs.ErrAborted.WithMessage("Update (task)")
}

// Wait for a process to exit
func (s *taskService) Wait(ctx context.Context, r *taskAPI.WaitRequest) (*taskAPI.WaitResponse, error) {
	log.G(ctx).Debug("wait (service)")

	done, err := s.doneContext(r.ID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[r.ID]
	if !ok {
		return nil, fmt.Errorf("task was removed: %w", errdefs.ErrNotFound)
	}

	return &taskAPI.WaitResponse{
		ExitStatus: uint32(proc.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(proc.exitTime),
	}, nil
}
