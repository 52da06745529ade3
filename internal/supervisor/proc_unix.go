//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcess запускает процесс в собственной группе, чтобы сигналы
// доходили и до дочерних процессов оболочки.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		return cmd.Process.Signal(sig)
	}
	return nil
}
