//go:build windows

package main

// interruptProcess cannot deliver os.Interrupt to another process on Windows.
func interruptProcess(int) error {
	return errInterruptUnsupported
}
