//go:build !windows

package process

import "os/exec"

// shellPath is absolute so that a replaced PATH in Env cannot hide it.
const shellPath = "/bin/sh"

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command(shellPath, "-c", script)
}

// getTrueCommand is used for an empty command line.
func getTrueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}
