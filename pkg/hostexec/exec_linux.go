//go:build linux

package hostexec

import (
	"os/exec"
	"syscall"
)

// setDetached puts cmd in its own process group so it survives vpcctl
// exiting.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
