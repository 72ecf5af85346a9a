//go:build unix

package main

import (
	"os"
	"syscall"
)

var visibilitySignals = []os.Signal{syscall.SIGTSTP, syscall.SIGCONT}

func visibilityFor(sig os.Signal) (visible, ok bool) {
	switch sig {
	case syscall.SIGTSTP:
		return false, true
	case syscall.SIGCONT:
		return true, true
	default:
		return false, false
	}
}

// suspend stops the process the way an untrapped SIGTSTP would.
func suspend() {
	_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)
}
