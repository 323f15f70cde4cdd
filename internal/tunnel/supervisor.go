// Package tunnel supervises the child process that exposes the local
// share server to the internet. The supervisor prefers adopting a
// tunnel left behind by a previous run over spawning a new one, keeps
// the child alive with a backoff ladder, and announces URL changes so
// minted links always use the live hostname.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/common/statefile"
)

const (
	// StateFileName is the tunnel handoff file inside the agent dir.
	StateFileName = ".tunnel_state.json"

	urlWaitTimeout = 30 * time.Second
	steadyBackoff  = 10 * time.Minute
)

// backoffLadder paces restart attempts after repeated early exits.
var backoffLadder = []time.Duration{10 * time.Second, 30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute}

// tunnelURLRe extracts the public hostname from the child's stderr.
var tunnelURLRe = regexp.MustCompile(`https://[a-zA-Z0-9._-]+\.[a-zA-Z0-9._-]+[a-zA-Z0-9/_-]*`)

// state is the persisted handoff record for adoption across restarts.
type state struct {
	PID       int       `json:"pid"`
	URL       string    `json:"url"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// Supervisor owns one tunnel child for one agent.
type Supervisor struct {
	cfg      config.TunnelConfig
	agentDir string
	port     int
	log      *logger.Logger

	// Probes are injectable for tests.
	probeProcess func(pid int, binary string) bool
	probeURL     func(url string) bool

	mu       sync.Mutex
	cmd      *exec.Cmd
	url      string
	adopted  bool
	onURL    []func(string)
	stopCh   chan struct{}
	detached bool
	wg       sync.WaitGroup
}

// NewSupervisor returns a supervisor for the tunnel exposing the given
// local share port.
func NewSupervisor(cfg config.TunnelConfig, agentDir string, sharePort int, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		agentDir:     agentDir,
		port:         sharePort,
		log:          log.WithFields(zap.String("component", "tunnel")),
		probeProcess: probeProcess,
		probeURL:     probeURL,
		stopCh:       make(chan struct{}),
	}
}

// OnURLChange registers a callback fired with every new public URL,
// including the adopted one.
func (s *Supervisor) OnURLChange(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onURL = append(s.onURL, fn)
	if s.url != "" {
		go fn(s.url)
	}
}

// URL returns the current public URL, "" while disconnected.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Start adopts an existing tunnel when the state file points at a live
// one, otherwise spawns and supervises a fresh child.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if st, ok := s.tryAdopt(); ok {
		s.log.Info("adopted running tunnel", zap.Int("pid", st.PID), zap.String("url", st.URL))
		s.setURL(st.URL)
		s.mu.Lock()
		s.adopted = true
		s.mu.Unlock()
		s.wg.Add(1)
		go s.superviseAdopted(ctx, st)
		return nil
	}

	s.wg.Add(1)
	go s.supervise(ctx)
	return nil
}

// Stop terminates the child. Use Detach to leave it running for the
// next process to adopt.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	s.wg.Wait()
	_ = os.Remove(s.statePath())
}

// Detach stops supervision but leaves the child and the state file in
// place so a successor can adopt the tunnel without a URL change.
func (s *Supervisor) Detach() {
	s.mu.Lock()
	s.detached = true
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) statePath() string {
	return filepath.Join(s.agentDir, StateFileName)
}

// tryAdopt validates the persisted handoff record: the process must be
// alive and running our binary, serve our port, and its URL must answer.
func (s *Supervisor) tryAdopt() (state, bool) {
	var st state
	found, err := statefile.Load(s.statePath(), &st)
	if err != nil || !found {
		return state{}, false
	}
	if st.Port != s.port || st.PID <= 0 || st.URL == "" {
		return state{}, false
	}
	if !s.probeProcess(st.PID, s.cfg.Binary) {
		return state{}, false
	}
	if !s.probeURL(st.URL) {
		return state{}, false
	}
	return st, true
}

// superviseAdopted watches an adopted child and falls back to spawning
// when it dies.
func (s *Supervisor) superviseAdopted(ctx context.Context, st state) {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.probeProcess(st.PID, s.cfg.Binary) {
				s.log.Warn("adopted tunnel died, respawning")
				s.setURL("")
				s.wg.Add(1)
				go s.supervise(ctx)
				return
			}
		}
	}
}

func (s *Supervisor) supervise(ctx context.Context) {
	defer s.wg.Done()
	attempt := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		started := time.Now()
		err := s.runOnce(ctx)
		if err != nil {
			s.log.WithError(err).Warn("tunnel exited")
		}
		s.setURL("")

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// A long-lived run resets the ladder.
		if time.Since(started) > 10*time.Minute {
			attempt = 0
		}
		wait := steadyBackoff
		if attempt < len(backoffLadder) {
			wait = backoffLadder[attempt]
		}
		attempt++
		s.log.Info("restarting tunnel", zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOnce spawns the child, waits for the URL on stderr, persists the
// handoff record and blocks until exit.
func (s *Supervisor) runOnce(ctx context.Context) error {
	args := append([]string(nil), s.cfg.Args...)
	args = append(args, fmt.Sprintf("127.0.0.1:%d", s.port))
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn tunnel: %w", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	urlCh := make(chan string, 1)
	addrInUse := make(chan struct{}, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			if strings.Contains(line, "address already in use") {
				select {
				case addrInUse <- struct{}{}:
				default:
				}
			}
			if m := tunnelURLRe.FindString(line); m != "" {
				select {
				case urlCh <- m:
				default:
				}
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case u := <-urlCh:
		st := state{PID: cmd.Process.Pid, URL: u, Port: s.port, StartedAt: time.Now()}
		if err := statefile.Save(s.statePath(), st); err != nil {
			s.log.WithError(err).Warn("persist tunnel state failed")
		}
		s.setURL(u)
	case <-addrInUse:
		// A previous tunnel we failed to adopt still holds the port;
		// kill it by its recorded pid and retry via the ladder.
		s.killOrphan()
		_ = cmd.Process.Kill()
		<-waitErr
		return fmt.Errorf("tunnel port busy, killed orphan")
	case <-time.After(urlWaitTimeout):
		_ = cmd.Process.Kill()
		<-waitErr
		return fmt.Errorf("tunnel produced no URL within %s", urlWaitTimeout)
	case err := <-waitErr:
		return fmt.Errorf("tunnel exited before URL: %w", err)
	case <-s.stopCh:
		_ = cmd.Process.Kill()
		<-waitErr
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}

	select {
	case err := <-waitErr:
		s.mu.Lock()
		detached := s.detached
		s.mu.Unlock()
		if !detached {
			_ = os.Remove(s.statePath())
		}
		return err
	case <-s.stopCh:
		s.mu.Lock()
		detached := s.detached
		s.mu.Unlock()
		if !detached {
			_ = cmd.Process.Kill()
			<-waitErr
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
}

func (s *Supervisor) killOrphan() {
	var st state
	if found, err := statefile.Load(s.statePath(), &st); err != nil || !found || st.PID <= 0 {
		return
	}
	if s.probeProcess(st.PID, s.cfg.Binary) {
		s.log.Warn("killing orphaned tunnel", zap.Int("pid", st.PID))
		if p, err := os.FindProcess(st.PID); err == nil {
			_ = p.Kill()
		}
	}
	_ = os.Remove(s.statePath())
}

func (s *Supervisor) setURL(u string) {
	s.mu.Lock()
	changed := u != s.url
	s.url = u
	fns := append([]func(string){}, s.onURL...)
	s.mu.Unlock()
	if changed && u != "" {
		for _, fn := range fns {
			fn(u)
		}
	}
}

// probeProcess reports whether pid is alive and runs the given binary.
func probeProcess(pid int, binary string) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	comm, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		// No procfs (macOS): liveness alone has to do.
		return true
	}
	want := filepath.Base(binary)
	return strings.TrimSpace(string(comm)) == want
}

// probeURL reports whether the public URL answers at all.
func probeURL(url string) bool {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
