// Package subprocess implements the start_program command of §4.5: it
// launches a traffic-generator-style child process inside a TUN
// device's network namespace, on behalf of a control session, and
// tracks it until the session closes or the child exits.
package subprocess

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"sync"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"
)

// SessionID identifies the control session that launched a subprocess,
// so its termination notification can be routed back to the session
// that asked for it.
type SessionID uint64

// TermNotifier is called when a tracked subprocess exits. It is only
// ever called for a session that is still open: per §9's open
// question, a SIGCHLD arriving after the owning session has already
// closed (and therefore already SIGKILLed every child it launched)
// finds no tracked record and is a silent no-op, not a crash.
type TermNotifier func(session SessionID, pid int, exitCode int)

// NamespaceLocator resolves a TUN netns name to a namespace file
// descriptor, mirroring daemon.Daemon.FindTunByNamespace so this
// package has no import-time dependency on the daemon package.
type NamespaceLocator func(netns string) (fd int, ok bool)

// Launcher tracks subprocesses launched across all control sessions.
type Launcher struct {
	logger   log.Logger
	locateNS NamespaceLocator
	notify   TermNotifier

	mu    sync.Mutex
	procs map[int]*proc // keyed by PID
}

type proc struct {
	session SessionID
	cmd     *exec.Cmd
}

// New creates a Launcher. locateNS resolves a namespace name to its
// file descriptor for the optional tun_netns_name parameter; notify is
// called on subprocess exit.
func New(logger log.Logger, locateNS NamespaceLocator, notify TermNotifier) *Launcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Launcher{
		logger:   logger,
		locateNS: locateNS,
		notify:   notify,
		procs:    make(map[int]*proc),
	}
}

// StartParams are the inputs to Start, corresponding to the
// start_program command fields in §6.
type StartParams struct {
	Session     SessionID
	RunAsUser   string
	Command     string
	Environment []string
	TunNetns    string
}

// Start launches the requested command inside the named namespace (if
// any), running as RunAsUser with a restricted environment (only the
// entries in Environment, nothing inherited from the daemon). On
// success it returns the child's PID and begins tracking it; the
// caller is responsible for sending the start_program_res response.
func (l *Launcher) Start(p StartParams) (pid int, err error) {
	u, err := user.Lookup(p.RunAsUser)
	if err != nil {
		return 0, fmt.Errorf("subprocess: look up user %q: %w", p.RunAsUser, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("subprocess: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("subprocess: parse gid %q: %w", u.Gid, err)
	}

	var nsFD int = -1
	if p.TunNetns != "" {
		fd, ok := l.locateNS(p.TunNetns)
		if !ok {
			return 0, fmt.Errorf("subprocess: no tun device in namespace %q", p.TunNetns)
		}
		nsFD = fd
	}

	args := splitCommand(p.Command)
	if len(args) == 0 {
		return 0, fmt.Errorf("subprocess: empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = p.Environment
	if cmd.Env == nil {
		// A nil Env would make exec inherit the daemon's environment.
		cmd.Env = []string{}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}

	if nsFD >= 0 {
		restore, err := enterNamespace(nsFD)
		if err != nil {
			return 0, fmt.Errorf("subprocess: enter namespace: %w", err)
		}
		defer restore()
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("subprocess: start %q: %w", p.Command, err)
	}

	pr := &proc{session: p.Session, cmd: cmd}
	l.mu.Lock()
	l.procs[cmd.Process.Pid] = pr
	l.mu.Unlock()

	go l.awaitExit(pr)

	level.Info(l.logger).Log("message", "subprocess started", "pid", cmd.Process.Pid, "command", p.Command)
	return cmd.Process.Pid, nil
}

func (l *Launcher) awaitExit(pr *proc) {
	err := pr.cmd.Wait()
	pid := pr.cmd.Process.Pid

	l.mu.Lock()
	_, tracked := l.procs[pid]
	delete(l.procs, pid)
	l.mu.Unlock()

	// If the record is already gone, the owning session closed first
	// and already SIGKILLed this child (see CloseSession); the late
	// exit notification has nowhere to go and is a no-op, not a crash.
	if !tracked {
		return
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	l.notify(pr.session, pid, exitCode)
}

// CloseSession SIGKILLs every subprocess launched by session and stops
// tracking them, per §4.5.
func (l *Launcher) CloseSession(session SessionID) {
	l.mu.Lock()
	var pids []int
	for pid, pr := range l.procs {
		if pr.session == session {
			pids = append(pids, pid)
			delete(l.procs, pid)
		}
	}
	l.mu.Unlock()

	for _, pid := range pids {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Signal(syscall.SIGKILL)
		}
	}
}

// KillAll SIGKILLs every tracked subprocess across every session, used
// by reset_all_state.
func (l *Launcher) KillAll() {
	l.mu.Lock()
	var pids []int
	for pid := range l.procs {
		pids = append(pids, pid)
	}
	l.procs = make(map[int]*proc)
	l.mu.Unlock()

	for _, pid := range pids {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Signal(syscall.SIGKILL)
		}
	}
}

func splitCommand(command string) []string {
	var args []string
	cur := make([]byte, 0, len(command))
	for i := 0; i < len(command); i++ {
		if command[i] == ' ' {
			if len(cur) > 0 {
				args = append(args, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, command[i])
	}
	if len(cur) > 0 {
		args = append(args, string(cur))
	}
	return args
}

// enterNamespace switches the current OS thread into the network
// namespace identified by fd, pinning the goroutine to its OS thread
// for the duration (Setns is per-thread) so the forked child inherits
// the namespace. The returned function restores the previous namespace
// and unpins the goroutine.
func enterNamespace(fd int) (restore func(), err error) {
	runtime.LockOSThread()

	orig, err := os.Open("/proc/thread-self/ns/net")
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}

	if err := unix.Setns(fd, unix.CLONE_NEWNET); err != nil {
		orig.Close()
		runtime.UnlockOSThread()
		return nil, err
	}

	return func() {
		_ = unix.Setns(int(orig.Fd()), unix.CLONE_NEWNET)
		orig.Close()
		runtime.UnlockOSThread()
	}, nil
}
