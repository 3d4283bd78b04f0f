//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detachProcess is a no-op: Windows has no session to leave.
func detachProcess(_ *exec.Cmd) {}

// shutdownSignals are the signals serve treats as a graceful stop request.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// stopSignal and killSignal both terminate the server on Windows.
func stopSignal() syscall.Signal { return syscall.SIGKILL }

func killSignal() syscall.Signal { return syscall.SIGKILL }
