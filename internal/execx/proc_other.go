//go:build !unix

package execx

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}
