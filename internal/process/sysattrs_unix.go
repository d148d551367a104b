//go:build !windows

package process

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so stop
// signals reach its descendants, and drops privileges when User or Group is set.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) error {
	attrs := &syscall.SysProcAttr{Setpgid: true}
	if spec.User != "" || spec.Group != "" {
		cred, err := lookupCredential(spec.User, spec.Group)
		if err != nil {
			return err
		}
		attrs.Credential = cred
	}
	cmd.SysProcAttr = attrs
	return nil
}

func lookupCredential(userName, groupName string) (*syscall.Credential, error) {
	cred := &syscall.Credential{Uid: uint32(syscall.Getuid()), Gid: uint32(syscall.Getgid())}
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return nil, fmt.Errorf("lookup user %q: %w", userName, err)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("user %q: invalid uid %q", userName, u.Uid)
		}
		gid, err := strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("user %q: invalid gid %q", userName, u.Gid)
		}
		cred.Uid, cred.Gid = uint32(uid), uint32(gid)
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("group %q: invalid gid %q", groupName, g.Gid)
		}
		cred.Gid = uint32(gid)
	}
	return cred, nil
}
