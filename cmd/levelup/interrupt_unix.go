//go:build !windows

package main

import "os"

// interruptProcess sends SIGINT, which the run command turns into an abort.
func interruptProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(os.Interrupt)
}
