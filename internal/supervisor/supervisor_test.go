package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/annel0/worldhost/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scriptPolite = `echo "Done (0.1s)! For help, type help"
while read line; do
  if [ "$line" = "stop" ]; then
    echo "Stopping the server"
    exit 0
  fi
  echo "cmd: $line"
done
`
	scriptStuck = `trap '' TERM
echo "ignoring everything"
while true; do sleep 0.1; done
`
	scriptCrash = `echo "starting"
sleep 0.3
exit 3
`
	scriptFailFast = `exit 1
`
)

func TestMain(m *testing.M) {
	logging.Configure(logging.TestOptions())
	os.Exit(m.Run())
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.jar")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func spec(jar string) LaunchSpec {
	return LaunchSpec{
		WorldID:      "w1",
		Executable:   jar,
		WorkDir:      filepath.Dir(jar),
		Template:     "sh %jar% %max_mem%",
		MaxMemoryMiB: 512,
	}
}

func collect(events <-chan Event, until State, timeout time.Duration) ([]Event, bool) {
	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.State == until {
				return got, true
			}
		case <-deadline:
			return got, false
		}
	}
}

func states(evs []Event) []State {
	out := make([]State, len(evs))
	for i, ev := range evs {
		out[i] = ev.State
	}
	return out
}

func TestTemplate(t *testing.T) {
	assert.NoError(t, ValidateTemplate(DefaultTemplate))
	assert.Error(t, ValidateTemplate(""))
	assert.Error(t, ValidateTemplate("java -jar server.jar"))

	err := ValidateTemplate("%command% %jar% %heap%")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "%heap%")

	line, err := BuildCommand(LaunchSpec{
		Executable:   "/srv/versions/1.20/server.jar",
		MinMemoryMiB: 512,
		MaxMemoryMiB: 2048,
	})
	require.NoError(t, err)
	assert.Equal(t, "java -Xms512m -Xmx2048m -jar /srv/versions/1.20/server.jar nogui", line)

	line, err = BuildCommand(LaunchSpec{Executable: "/srv/my world/server.jar", Command: "/opt/jdk/bin/java"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/jdk/bin/java   -jar '/srv/my world/server.jar' nogui", line)
}

func TestStart_MissingExecutable(t *testing.T) {
	skipWithoutShell(t)
	events := make(chan Event, 16)
	s := New(Options{Events: events})

	err := s.Start(context.Background(), spec(filepath.Join(t.TempDir(), "missing.jar")))
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, Crashed, s.State())

	evs, ok := collect(events, Crashed, time.Second)
	require.True(t, ok)
	assert.Equal(t, []State{Launching, Crashed}, states(evs))
}

func TestStart_LivenessFailure(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{
		Liveness: func(ctx context.Context, pid int32) (bool, error) { return false, nil },
	})
	err := s.Start(context.Background(), spec(writeScript(t, scriptPolite)))
	assert.ErrorIs(t, err, ErrLaunchFailed)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process left running after failed liveness check")
	}
}

func TestStart_ExitsDuringGrace(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{StartGrace: 500 * time.Millisecond})
	err := s.Start(context.Background(), spec(writeScript(t, scriptFailFast)))
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, Crashed, s.State())
}

func TestGracefulStop(t *testing.T) {
	skipWithoutShell(t)
	events := make(chan Event, 16)
	s := New(Options{Events: events, StopTimeout: 5 * time.Second})

	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptPolite))))
	assert.Equal(t, Running, s.State())
	assert.NotZero(t, s.PID())

	sub := s.Console().Subscribe()
	defer sub.Close()
	require.NoError(t, s.SendCommand("say hi"))
	waitForLine(t, sub.Lines(), "cmd: say hi")

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Stopped, s.State())

	code, err := s.Exit()
	assert.Equal(t, 0, code)
	assert.NoError(t, err)

	evs, ok := collect(events, Stopped, time.Second)
	require.True(t, ok)
	assert.Equal(t, []State{Launching, Running, Stopping, Stopped}, states(evs))
	for _, ev := range evs {
		assert.Equal(t, s.RunID(), ev.RunID)
		assert.Equal(t, "w1", ev.WorldID)
	}

	assert.ErrorIs(t, s.SendCommand("list"), ErrNotRunning)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStuckStopIsForceKilled(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{StopTimeout: 300 * time.Millisecond})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptStuck))))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, Stopped, s.State())
}

func TestStopContextCancelForcesKill(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{StopTimeout: time.Minute})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptStuck))))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, Stopped, s.State())
}

func TestUnexpectedExitIsCrash(t *testing.T) {
	skipWithoutShell(t)
	events := make(chan Event, 16)
	s := New(Options{Events: events})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptCrash))))

	evs, ok := collect(events, Crashed, 5*time.Second)
	require.True(t, ok, "no crash event, got %v", states(evs))
	last := evs[len(evs)-1]
	assert.Equal(t, 3, last.ExitCode)

	var exitErr *ExitError
	require.True(t, errors.As(last.Err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, Crashed, s.State())

	require.NoError(t, s.Stop(context.Background()))
}

func TestKill(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptStuck))))
	s.Kill()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not terminate the process")
	}
	assert.Equal(t, Stopped, s.State())
}

func TestStartTwice(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptPolite))))
	defer s.Stop(context.Background())
	assert.ErrorIs(t, s.Start(context.Background(), spec("x")), ErrAlreadyStarted)
}

func TestLongOutputLineIsTruncated(t *testing.T) {
	skipWithoutShell(t)
	// Строка длиннее буфера не должна обрывать чтение консоли.
	script := `echo "Done (0.1s)!"
read go
head -c 2200000 /dev/zero | tr '\0' 'a'
echo
echo "after long line"
while read line; do
  if [ "$line" = "stop" ]; then exit 0; fi
done
`
	s := New(Options{StopTimeout: 5 * time.Second})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, script))))
	defer s.Stop(context.Background())

	sub := s.Console().Subscribe()
	defer sub.Close()
	require.NoError(t, s.SendCommand("go"))

	var long string
	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case line := <-sub.Lines():
			if strings.HasPrefix(line, "aaaa") {
				long = line
			}
			done = line == "after long line"
		case <-deadline:
			t.Fatal("output after the long line not seen")
		}
	}
	assert.Len(t, long, maxConsoleLine)
	assert.Equal(t, Running, s.State())

	require.NoError(t, s.Stop(context.Background()))
	code, _ := s.Exit()
	assert.Equal(t, 0, code)
}

func TestBlockedStdinDoesNotBlockStop(t *testing.T) {
	skipWithoutShell(t)
	s := New(Options{StopTimeout: 300 * time.Millisecond})
	require.NoError(t, s.Start(context.Background(), spec(writeScript(t, scriptStuck))))

	// Процесс не читает stdin, канал заполняется и запись зависает.
	sent := make(chan error, 1)
	go func() {
		chunk := strings.Repeat("x", 4096)
		for {
			if err := s.SendCommand(chunk); err != nil {
				sent <- err
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	state := make(chan State, 1)
	go func() { state <- s.State() }()
	select {
	case st := <-state:
		assert.Equal(t, Running, st)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind a console write")
	}

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Stopped, s.State())

	select {
	case err := <-sent:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("console write did not return after stop")
	}
}

func waitForLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, want) {
				return
			}
		case <-deadline:
			t.Fatalf("line %q not seen", want)
		}
	}
}
