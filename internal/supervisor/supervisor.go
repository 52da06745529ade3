// Package supervisor запускает процесс игрового сервера, следит за его
// жизнью и останавливает его в два этапа: мягкая команда, затем SIGKILL.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/annel0/worldhost/internal/console"
	"github.com/annel0/worldhost/internal/logging"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	DefaultStopTimeout = 30 * time.Second
	DefaultStopCommand = "stop"
)

var (
	// ErrLaunchFailed - процесс не удалось запустить или он не пережил проверку.
	ErrLaunchFailed = errors.New("server failed to start")
	// ErrNotRunning - операция требует работающего процесса.
	ErrNotRunning = errors.New("server is not running")
	// ErrAlreadyStarted - супервизор одноразовый, повторный Start запрещён.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// State - состояние процесса под наблюдением.
type State int

const (
	NotStarted State = iota
	Launching
	Running
	Stopping
	Stopped
	Crashed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal сообщает, что процесс больше не работает.
func (s State) Terminal() bool { return s == Stopped || s == Crashed }

// LaunchSpec описывает запуск одного сервера.
type LaunchSpec struct {
	WorldID      string
	Executable   string // путь к jar
	WorkDir      string
	Template     string
	Command      string
	MinMemoryMiB int
	MaxMemoryMiB int
	StopCommand  string
	Env          []string
}

// Event сообщает о смене состояния. RunID отличает события разных запусков
// одного мира.
type Event struct {
	WorldID  string
	RunID    string
	State    State
	ExitCode int
	Err      error
	At       time.Time
}

// ExitError - неожиданное завершение процесса.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process exited unexpectedly with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("process exited unexpectedly with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// LivenessFunc проверяет, существует ли процесс с указанным pid.
type LivenessFunc func(ctx context.Context, pid int32) (bool, error)

// Options настраивает супервизор.
type Options struct {
	StopTimeout time.Duration
	// StartGrace - сколько ждать после запуска перед проверкой живости.
	StartGrace time.Duration
	// Events получает все смены состояния по порядку. Может быть nil.
	Events   chan<- Event
	Liveness LivenessFunc
	// Console получает вывод процесса. Если nil, создаётся собственный.
	Console *console.Broadcaster
	Log     *logging.Logger
	RunID   string
}

// Supervisor управляет одним запуском процесса. Для повторного запуска
// создаётся новый Supervisor.
type Supervisor struct {
	opts    Options
	runID   string
	console *console.Broadcaster
	log     *logging.Logger

	mu            sync.Mutex
	state         State
	spec          LaunchSpec
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stopRequested bool
	exitCode      int
	exitErr       error
	startedAt     time.Time

	done chan struct{}
	evq  chan Event
}

// New создаёт супервизор в состоянии NotStarted.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Liveness == nil {
		opts.Liveness = process.PidExistsWithContext
	}
	if opts.Console == nil {
		opts.Console = console.NewBroadcaster(0, 0)
	}
	if opts.Log == nil {
		opts.Log = logging.GetSupervisorLogger()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	s := &Supervisor{
		opts:    opts,
		runID:   runID,
		console: opts.Console,
		log:     opts.Log,
		done:    make(chan struct{}),
	}
	if opts.Events != nil {
		// Событий за запуск не больше пяти, очередь не блокирует.
		s.evq = make(chan Event, 8)
		go func() {
			for ev := range s.evq {
				opts.Events <- ev
			}
		}()
	}
	return s
}

// Start запускает процесс через /bin/sh -c в собственной группе процессов.
// Возвращает ErrLaunchFailed, если исполняемый файл не найден, ОС отказала в
// запуске или процесс не прошёл проверку живости.
func (s *Supervisor) Start(ctx context.Context, spec LaunchSpec) error {
	s.mu.Lock()
	if s.state != NotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.spec = spec
	s.log = s.log.With("world", spec.WorldID)
	s.setStateLocked(Launching, 0, nil)
	s.mu.Unlock()

	line, err := BuildCommand(spec)
	if err != nil {
		return s.failLaunch(err)
	}
	if err := checkExecutable(spec); err != nil {
		return s.failLaunch(err)
	}

	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failLaunch(err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return s.failLaunch(err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	s.log.Info("Запуск: %s", line)
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return s.failLaunch(err)
	}
	w.Close()

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.pump(r)
	go s.wait()

	if err := s.checkAlive(ctx, cmd); err != nil {
		_ = killGroup(cmd)
		<-s.done
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.mu.Lock()
	if s.state != Launching {
		exitErr := s.exitErr
		s.mu.Unlock()
		_ = killGroup(cmd)
		<-s.done
		if exitErr == nil {
			exitErr = errors.New("stopped during launch")
		}
		return fmt.Errorf("%w: %v", ErrLaunchFailed, exitErr)
	}
	s.setStateLocked(Running, 0, nil)
	s.mu.Unlock()

	s.log.Info("Процесс запущен, pid=%d", cmd.Process.Pid)
	return nil
}

func checkExecutable(spec LaunchSpec) error {
	if spec.Executable == "" {
		return errors.New("no executable configured")
	}
	if _, err := os.Stat(spec.Executable); err != nil {
		return fmt.Errorf("executable %s: %w", spec.Executable, err)
	}
	tpl := spec.Template
	if tpl == "" {
		tpl = DefaultTemplate
	}
	if strings.Contains(tpl, "%command%") {
		command := spec.Command
		if command == "" {
			command = DefaultCommand
		}
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return errors.New("empty runtime command")
		}
		if _, err := exec.LookPath(fields[0]); err != nil {
			return fmt.Errorf("runtime command: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) checkAlive(ctx context.Context, cmd *exec.Cmd) error {
	if s.opts.StartGrace > 0 {
		timer := time.NewTimer(s.opts.StartGrace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitErr
	default:
	}

	alive, err := s.opts.Liveness(ctx, int32(cmd.Process.Pid))
	if err != nil {
		return fmt.Errorf("liveness check: %w", err)
	}
	if !alive {
		return fmt.Errorf("process %d not found", cmd.Process.Pid)
	}
	return nil
}

// failLaunch завершает запуск, в котором процесс так и не появился.
func (s *Supervisor) failLaunch(cause error) error {
	s.mu.Lock()
	s.exitCode = -1
	s.exitErr = cause
	s.setStateLocked(Crashed, -1, cause)
	s.finishLocked()
	s.mu.Unlock()
	s.log.Error("Не удалось запустить сервер: %v", cause)
	return fmt.Errorf("%w: %v", ErrLaunchFailed, cause)
}

// maxConsoleLine - длина строки вывода, после которой остаток строки
// отбрасывается.
const maxConsoleLine = 64 * 1024

func (s *Supervisor) pump(r *os.File) {
	defer r.Close()
	br := bufio.NewReaderSize(r, maxConsoleLine)
	var (
		line      []byte
		truncated bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxConsoleLine - len(line); len(chunk) > room {
			line = append(line, chunk[:room]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			if truncated {
				s.log.Debug("Строка вывода обрезана до %d байт", maxConsoleLine)
			}
			s.console.Publish(console.StripANSI(strings.TrimRight(string(line), "\r\n")))
		}
		line, truncated = line[:0], false
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Warn("Чтение вывода: %v", err)
			}
			return
		}
	}
}

func (s *Supervisor) wait() {
	err := s.cmd.Wait()
	// Добиваем оставшихся потомков оболочки.
	_ = killGroup(s.cmd)
	code := exitCode(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = code
	if s.stopRequested {
		s.exitErr = nil
		s.setStateLocked(Stopped, code, nil)
		s.log.Info("Процесс остановлен, код %d", code)
	} else {
		s.exitErr = &ExitError{Code: code, Err: err}
		s.setStateLocked(Crashed, code, s.exitErr)
		s.log.Warn("Процесс неожиданно завершился, код %d", code)
	}
	s.finishLocked()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (s *Supervisor) setStateLocked(st State, code int, err error) {
	s.state = st
	if s.evq == nil {
		return
	}
	s.evq <- Event{
		WorldID:  s.spec.WorldID,
		RunID:    s.runID,
		State:    st,
		ExitCode: code,
		Err:      err,
		At:       time.Now(),
	}
}

func (s *Supervisor) finishLocked() {
	close(s.done)
	if s.evq != nil {
		close(s.evq)
	}
}

// Stop останавливает процесс: отправляет StopCommand в stdin (или SIGTERM
// группе, если stdin недоступен), ждёт StopTimeout, затем отправляет SIGKILL
// группе. Отмена ctx сокращает ожидание. Возвращается после завершения
// процесса. Для неработающего процесса ничего не делает.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case NotStarted, Stopped, Crashed:
		s.mu.Unlock()
		return nil
	}
	first := s.state != Stopping
	s.stopRequested = true
	if first {
		s.setStateLocked(Stopping, 0, nil)
	}
	cmd, stdin := s.cmd, s.stdin
	stopCmd := s.spec.StopCommand
	s.mu.Unlock()

	if stopCmd == "" {
		stopCmd = DefaultStopCommand
	}
	// Запись может заблокироваться, если процесс не читает stdin.
	var wrote chan error
	if first && cmd != nil {
		s.log.Info("Остановка: отправка %q", stopCmd)
		wrote = make(chan error, 1)
		go func() {
			_, err := io.WriteString(stdin, stopCmd+"\n")
			wrote <- err
		}()
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
wait:
	for {
		select {
		case <-s.done:
			return nil
		case err := <-wrote:
			wrote = nil
			if err != nil {
				s.log.Warn("stdin недоступен (%v), отправляем SIGTERM", err)
				if err := terminateGroup(cmd); err != nil {
					s.log.Warn("SIGTERM: %v", err)
				}
			}
		case <-timer.C:
			s.log.Warn("Процесс не завершился за %s, SIGKILL", s.opts.StopTimeout)
			break wait
		case <-ctx.Done():
			s.log.Warn("Остановка прервана (%v), SIGKILL", ctx.Err())
			break wait
		}
	}

	s.mu.Lock()
	cmd = s.cmd
	s.mu.Unlock()
	if err := killGroup(cmd); err != nil {
		s.log.Error("SIGKILL: %v", err)
	}
	<-s.done
	return nil
}

// Kill немедленно убивает группу процессов. Не ждёт завершения, см. Done.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.state == NotStarted || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stopRequested = true
	cmd := s.cmd
	s.mu.Unlock()
	if err := killGroup(cmd); err != nil {
		s.log.Error("kill: %v", err)
	}
}

// SendCommand пишет строку в консоль сервера. Запись идёт без s.mu.
func (s *Supervisor) SendCommand(line string) error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stdin := s.stdin
	s.mu.Unlock()

	line = strings.TrimRight(line, "\r\n")
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("write console: %w", err)
	}
	return nil
}

// State возвращает текущее состояние.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID возвращает pid процесса или 0, если процесс не запускался.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Supervisor) RunID() string                 { return s.runID }
func (s *Supervisor) Console() *console.Broadcaster { return s.console }

// Done закрывается после завершения процесса (или неудачного запуска).
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Exit возвращает код завершения и ошибку аварийного выхода.
func (s *Supervisor) Exit() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitErr
}

// StartedAt возвращает время запуска процесса.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}
