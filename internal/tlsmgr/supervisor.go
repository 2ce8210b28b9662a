package tlsmgr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Supervisor owns the HTTPS child process. External callers request
// transitions (Start, Stop, Restart); nobody else touches the handle. The
// child is its own process group so the whole tree can be signalled.
type Supervisor struct {
	storage *CertStorage
	log     zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	stopped chan struct{} // closed when the current child exits

	gracePeriod time.Duration
}

func NewSupervisor(storage *CertStorage, log zerolog.Logger) *Supervisor {
	return &Supervisor{storage: storage, log: log, gracePeriod: 10 * time.Second}
}

// IsHTTPSSubprocess reports whether this process is the spawned TLS child,
// which must not spawn another one.
func IsHTTPSSubprocess() bool {
	return os.Getenv("ECM_HTTPS_SUBPROCESS") == "1"
}

// Running reports whether a child is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Port returns the port of the running child, or 0.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0
	}
	return s.port
}

// Start spawns the HTTPS child bound to the given port with the stored
// cert/key. Starting while running is a no-op.
func (s *Supervisor) Start(port int) error {
	if IsHTTPSSubprocess() {
		return fmt.Errorf("refusing to spawn https child from within the https child")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	if !s.storage.HasCertificate() {
		return fmt.Errorf("no certificate on disk")
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe,
		"-listen", fmt.Sprintf(":%d", port),
		"-tls-cert", s.storage.FullchainPath(),
		"-tls-key", s.storage.KeyPath(),
	)
	cmd.Env = append(os.Environ(), "ECM_HTTPS_SUBPROCESS=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start https child: %w", err)
	}
	s.cmd = cmd
	s.port = port
	stopped := make(chan struct{})
	s.stopped = stopped

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
		}
		s.mu.Unlock()
		close(stopped)
		if err != nil {
			s.log.Warn().Err(err).Msg("https child exited")
		} else {
			s.log.Info().Msg("https child exited cleanly")
		}
	}()

	s.log.Info().Int("port", port).Int("pid", cmd.Process.Pid).Msg("https child started")
	return nil
}

// Stop sends the child's process group SIGTERM, then SIGKILL after the
// bounded grace period. Stopping while stopped is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	stopped := s.stopped
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}
	s.log.Info().Int("pgid", pgid).Msg("stopping https child")
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-stopped:
		return nil
	case <-time.After(s.gracePeriod):
		s.log.Warn().Msg("https child didn't stop gracefully, forcing kill")
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-stopped
		return nil
	}
}

// Restart bounces the child, used after certificate renewal.
func (s *Supervisor) Restart(port int) error {
	if err := s.Stop(); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return s.Start(port)
}

// WatchCertFiles hot-restarts the child when the cert or key on disk is
// replaced (manual mode installs). Runs until ctx is cancelled.
func (s *Supervisor) WatchCertFiles(ctx context.Context, port int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.storage.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.storage.CertPath() && ev.Name != s.storage.KeyPath() &&
					ev.Name != s.storage.FullchainPath() {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				// Debounce: cert and key land as separate writes.
				pending = time.After(2 * time.Second)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("cert watcher error")
			case <-pending:
				pending = nil
				if !s.Running() {
					continue
				}
				s.log.Info().Msg("certificate files changed on disk, restarting https child")
				if err := s.Restart(port); err != nil {
					s.log.Error().Err(err).Msg("https restart after cert change failed")
				}
			}
		}
	}()
	return nil
}
