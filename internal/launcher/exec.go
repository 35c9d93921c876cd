package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
)

// ErrAlreadyRunning — агент уже запущен этим лаунчером
var ErrAlreadyRunning = errors.New("agent process already running")

type process struct {
	cmd  *exec.Cmd
	done chan struct{} // Закрывается после Wait
	err  error
}

// Exec запускает агентов дочерними процессами. LaunchRef — командная строка
// в shell-синтаксисе; пустой LaunchRef значит, что агентом управляют снаружи.
//
// Params агента:
//
//	env:     {KEY: value} — добавляется к окружению control plane
//	workdir: рабочий каталог
type Exec struct {
	logger *zap.Logger
	grace  time.Duration

	mu    sync.Mutex
	procs map[string]*process
}

func NewExec(grace time.Duration, logger *zap.Logger) *Exec {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Exec{
		logger: logger.Named("launcher"),
		grace:  grace,
		procs:  make(map[string]*process),
	}
}

// Launch стартует процесс и не ждет его завершения. Процесс переживает ctx.
func (e *Exec) Launch(ctx context.Context, agent domain.AgentDescriptor) error {
	if agent.LaunchRef == "" {
		e.logger.Debug("no launch_ref, assuming externally managed", zap.String("agent", agent.Name))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.procs[agent.Name]; ok && !p.exited() {
		return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, agent.Name, p.cmd.Process.Pid)
	}

	cmd, err := command(agent)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", agent.Name, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		e.logger.Info("agent process exited", zap.String("agent", agent.Name), zap.Error(p.err))
	}()
	e.procs[agent.Name] = p

	e.logger.Info("agent process started", zap.String("agent", agent.Name), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Terminate посылает SIGINT и ждет grace; затем убивает. Незапущенный агент — не ошибка.
func (e *Exec) Terminate(ctx context.Context, agent domain.AgentDescriptor) error {
	e.mu.Lock()
	p, ok := e.procs[agent.Name]
	delete(e.procs, agent.Name)
	e.mu.Unlock()

	if !ok || p.exited() {
		return nil
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Процесс мог уже завершиться
		return nil
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = p.cmd.Process.Kill() // best-effort force kill
	<-p.done
	e.logger.Warn("agent process killed after grace period", zap.String("agent", agent.Name))
	return nil
}

// Running — имена агентов с живыми процессами
func (e *Exec) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for name, p := range e.procs {
		if !p.exited() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// TerminateAll — остановка всего, что запускал лаунчер (выход control plane)
func (e *Exec) TerminateAll(ctx context.Context) {
	for _, name := range e.Running() {
		_ = e.Terminate(ctx, domain.AgentDescriptor{Name: name})
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func command(agent domain.AgentDescriptor) (*exec.Cmd, error) {
	args, err := shellwords.Parse(agent.LaunchRef)
	if err != nil {
		return nil, fmt.Errorf("%w: bad launch_ref for %s: %v", domain.ErrInvalidSpec, agent.Name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty launch_ref for %s", domain.ErrInvalidSpec, agent.Name)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if env, ok := agent.Params["env"].(map[string]any); ok {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, env[k]))
		}
	}
	if dir, ok := agent.Params["workdir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	return cmd, nil
}
