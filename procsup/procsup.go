// Package procsup spawns and supervises the external assistant and watcher
// subprocesses (spec §4.2). It never shells out through a command
// interpreter: every invocation is an argument vector handed straight to
// exec.Cmd, and every successful Spawn is paired with exactly one Wait or
// Terminate+Wait so the kernel never accumulates zombies.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	lru "github.com/hashicorp/golang-lru"

	"github.com/lightspeed-oss/batchd/errs"
)

// Handle is a running or exited child process. The zero value is not usable;
// obtain one from Spawn.
type Handle struct {
	cmd  *exec.Cmd
	pid  int
	ring *ringBuffer

	done     chan error
	waitOnce sync.Once
	waitErr  error
}

// Spawn starts cmd with args, running in cwd with the given environment. If
// asUser is non-empty the child's credential is switched to that OS user
// before exec, so the process never runs with the engine's own privileges
// (spec §4.2). The returned Handle exposes the pid, a bounded tail of the
// child's merged stdout+stderr, and Wait/Terminate primitives. Output is
// drained straight into the ring buffer rather than handed out as a live
// io.Reader: nothing in this system streams a running job's output, and a
// reader nobody drains would stall the child the moment it fills a pipe.
func Spawn(name string, args []string, cwd string, env []string, asUser string) (*Handle, error) {
	c := exec.Command(name, args...)
	c.Dir = cwd
	c.Env = env

	attr := &syscall.SysProcAttr{Setpgid: true}
	if asUser != "" {
		cred, err := credentialForUser(asUser)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve user %s: %v", errs.Validation, asUser, err)
		}
		attr.Credential = cred
	}
	c.SysProcAttr = attr

	ring := newRingBuffer(1 << 20)
	c.Stdout = ring
	c.Stderr = ring

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", errs.Transient, name, err)
	}

	h := &Handle{
		cmd:  c,
		pid:  c.Process.Pid,
		ring: ring,
		done: make(chan error, 1),
	}
	go func() { h.done <- c.Wait() }()
	return h, nil
}

// SpawnPTY starts cmd with args the same way Spawn does, except the child's
// stdout and stderr are the slave end of a pseudo-terminal rather than
// plain pipes. The assistant CLI (spec §4.2) detects whether it is
// attached to a controlling terminal and changes its output buffering and
// ANSI behavior accordingly; running it under a real pty rather than a
// pipe keeps that behavior identical to an interactive invocation.
// Grounded on Aureuma-si's codex-interactive-driver, which runs its child
// under pty.Start and drains the master end with an owned read loop rather
// than ever handing the master fd to another reader.
func SpawnPTY(name string, args []string, cwd string, env []string, asUser string) (*Handle, error) {
	c := exec.Command(name, args...)
	c.Dir = cwd
	c.Env = env

	attr := &syscall.SysProcAttr{}
	if asUser != "" {
		cred, err := credentialForUser(asUser)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve user %s: %v", errs.Validation, asUser, err)
		}
		attr.Credential = cred
	}

	ring := newRingBuffer(1 << 20)

	ptmx, err := pty.StartWithAttrs(c, nil, attr)
	if err != nil {
		return nil, fmt.Errorf("%w: spawn %s under pty: %v", errs.Transient, name, err)
	}

	h := &Handle{
		cmd:  c,
		pid:  c.Process.Pid,
		ring: ring,
		done: make(chan error, 1),
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				ring.Write(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	}()
	go func() {
		h.done <- c.Wait()
		_ = ptmx.Close()
	}()
	return h, nil
}

// credentialCacheSize bounds how many distinct OS usernames' resolved
// credentials are kept warm. A batch server with thousands of distinct
// submitting users would otherwise re-resolve the same handful of active
// users' uid/gid on every single job spawn.
const credentialCacheSize = 1024

var credentialCache = newCredentialCache()

func newCredentialCache() *lru.Cache {
	c, _ := lru.New(credentialCacheSize)
	return c
}

// credentialForUser resolves username to a syscall.Credential suitable for
// os/exec.Cmd.SysProcAttr, dropping the process to that user's uid/gid
// before exec. Resolutions are cached: os/user.Lookup on most platforms
// reads and parses /etc/passwd (or calls into NSS) on every call, and this
// is on the hot path of every job and title-generation spawn.
func credentialForUser(username string) (*syscall.Credential, error) {
	if cached, ok := credentialCache.Get(username); ok {
		return cached.(*syscall.Credential), nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	credentialCache.Add(username, cred)
	return cred, nil
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.pid }

// Tail returns up to the last n bytes of output captured so far, for
// attaching recent context to a failure without waiting for the process to
// exit.
func (h *Handle) Tail(n int) []byte { return h.ring.Tail(n) }

// Wait blocks until the process exits and returns its exec.ExitError (or
// nil on a zero exit). Calling Wait more than once is safe; it replays the
// first result.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = <-h.done
	})
	return h.waitErr
}

// ReattachPollInterval is how often Reattach probes a re-attached pid for
// liveness.
const ReattachPollInterval = 2 * time.Second

// Reattach blocks until pid exits or ctx is cancelled, whichever comes
// first (spec §4.8's crash-recovery re-attach: "poll-based wait is
// acceptable"). A process that outlived a server restart is no longer
// this process's child, so there is no *exec.Cmd to call Wait on and no
// SIGCHLD this process will ever receive for it; periodic liveness polling
// is the only primitive available.
func Reattach(ctx context.Context, pid int) {
	ticker := time.NewTicker(ReattachPollInterval)
	defer ticker.Stop()
	for IsAlive(pid) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// IsAlive probes whether pid refers to a live process, by sending the null
// signal (spec §4.2's crash-recovery probe). It does not distinguish "no
// such process" from "no permission to signal it"; both are reported as not
// alive, since either way this process cannot supervise it.
func IsAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM to h's process group, waits up to grace for it to
// exit, then escalates to SIGKILL and waits a second, bounded period. It
// returns once the process has actually exited. If the process survives
// even SIGKILL within that bound, Terminate returns a fatal error (spec
// §4.2) since the caller has no remaining escalation to try.
func Terminate(h *Handle, grace time.Duration) error {
	pgid, err := syscall.Getpgid(h.pid)
	if err != nil {
		pgid = h.pid
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- h.Wait() }()

	if signalErr := syscall.Kill(-pgid, syscall.SIGTERM); signalErr != nil && !errors.Is(signalErr, syscall.ESRCH) {
		return fmt.Errorf("%w: signal pgid %d: %v", errs.Fatal, pgid, signalErr)
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(grace):
	}

	if signalErr := syscall.Kill(-pgid, syscall.SIGKILL); signalErr != nil && !errors.Is(signalErr, syscall.ESRCH) {
		return fmt.Errorf("%w: forceful kill pgid %d: %v", errs.Fatal, pgid, signalErr)
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("%w: pid %d did not exit after SIGKILL", errs.Fatal, h.pid)
	}
}
