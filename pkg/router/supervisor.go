package router

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"javelin/pkg/protocol"
)

// AuthTokenEnv is the environment variable spawned workers read their shared
// secret from. The token rides the environment, never argv, so it cannot leak
// through process listings.
const AuthTokenEnv = "JAVELIN_AUTH_TOKEN"

// Process is one spawned worker process.
type Process interface {
	// Wait blocks until the process exits. Safe to call from multiple
	// goroutines.
	Wait() error
	// Kill sends SIGTERM to the process group, waits up to grace, then
	// SIGKILLs. It does not return until the process is reaped.
	Kill(grace time.Duration)
}

// ProcessManager spawns worker processes. Tests inject fakes to control
// timing without real subprocesses.
type ProcessManager interface {
	Spawn(shard protocol.ShardID) (Process, error)
}

// execProcessManager spawns real worker subprocesses. Each worker gets its
// own process group so Kill terminates the whole tree, and its output goes to
// a per-shard log file under the cache dir.
type execProcessManager struct {
	cfg     Config
	connect string
}

func newExecProcessManager(cfg Config, connect string) *execProcessManager {
	return &execProcessManager{cfg: cfg, connect: connect}
}

func (pm *execProcessManager) Spawn(shard protocol.ShardID) (Process, error) {
	args := append([]string{}, pm.cfg.WorkerArgs...)
	args = append(args,
		"--connect", pm.connect,
		"--shard-id", fmt.Sprintf("%d", shard),
		"--max-rpc-bytes", fmt.Sprintf("%d", pm.cfg.MaxRPCBytes),
	)
	if pm.cfg.CacheDir != "" {
		args = append(args, "--cache-dir", pm.cfg.CacheDir)
	}
	if pm.cfg.Listen.Network == NetworkTCP && pm.cfg.AllowInsecureTCP {
		args = append(args, "--allow-insecure")
	}

	cmd := exec.Command(pm.cfg.WorkerCommand, args...) //nolint:gosec // operator-configured worker binary
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	if pm.cfg.AuthToken != "" {
		cmd.Env = append(cmd.Env, AuthTokenEnv+"="+pm.cfg.AuthToken)
	}

	if pm.cfg.CacheDir != "" {
		logDir := filepath.Join(pm.cfg.CacheDir, "logs")
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return nil, fmt.Errorf("create worker log dir %s: %w", logDir, err)
		}
		logPath := filepath.Join(logDir, fmt.Sprintf("shard-%d.log", shard))
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is deterministic
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close() // child holds its own fd after Start
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker for shard %d: %w", shard, err)
	}

	p := &execProcess{proc: cmd.Process, done: make(chan struct{})}
	go func() {
		// Reap in the background to avoid zombies.
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	proc *os.Process
	done chan struct{}
	err  error // set before done closes
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill(grace time.Duration) {
	// Negative pid targets the whole process group. A failed SIGTERM means
	// the process already exited.
	pgid := p.proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = p.proc.Kill()
		<-p.done
		return
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-p.done
	}
}

// superviseShard keeps one worker alive for shard: spawn, wait for its
// handshake within the deadline, watch the session, and restart with
// exponential backoff. A session that lasted long enough resets the backoff,
// so a steady worker that finally crashes restarts fast.
func (r *Router) superviseShard(shard protocol.ShardID) {
	defer r.wg.Done()
	backoff := &restartBackoff{}
	for {
		if r.ctx.Err() != nil {
			return
		}
		// Register for the handshake before spawning; a fast worker must not
		// slip in between.
		connected := r.connectWaiter(shard)

		r.event("spawn", int64(shard), 0, "")
		proc, err := r.pm.Spawn(shard)
		if err != nil {
			r.event("spawn_failed", int64(shard), 0, err.Error())
			log.Printf("router: spawn worker for shard %d: %v", shard, err)
			if !r.sleep(withJitter(backoff.next())) {
				return
			}
			continue
		}

		exited := make(chan error, 1)
		go func() { exited <- proc.Wait() }()

		deadline := time.NewTimer(r.cfg.HandshakeTimeout)
		select {
		case <-r.ctx.Done():
			deadline.Stop()
			proc.Kill(DefaultWorkerKillGrace)
			return

		case err := <-exited:
			deadline.Stop()
			r.event("worker_exit", int64(shard), 0, exitDetail(err))

		case <-deadline.C:
			// Spawned but never completed a handshake. Treated exactly like
			// a crash.
			r.event("handshake_timeout", int64(shard), 0, "")
			log.Printf("router: shard %d worker missed handshake deadline", shard)
			proc.Kill(DefaultWorkerKillGrace)

		case <-connected:
			deadline.Stop()
			connectedAt := time.Now()
			h := r.currentWorker(shard)
			if h == nil {
				// Connected and gone again before we looked.
				proc.Kill(DefaultWorkerKillGrace)
			} else {
				select {
				case <-r.ctx.Done():
					proc.Kill(DefaultWorkerKillGrace)
					return
				case err := <-exited:
					r.event("worker_exit", int64(shard), int64(h.id), exitDetail(err))
					h.close()
				case <-h.done():
					proc.Kill(DefaultWorkerKillGrace)
				}
			}
			backoff.noteSession(time.Since(connectedAt))
		}

		if r.ctx.Err() != nil {
			return
		}
		delay := withJitter(backoff.next())
		r.event("restart", int64(shard), 0, delay.String())
		if !r.sleep(delay) {
			return
		}
	}
}

// sleep waits d or until shutdown; reports whether the full wait elapsed.
func (r *Router) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.ctx.Done():
		return false
	}
}

func exitDetail(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
