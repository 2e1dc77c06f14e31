//go:build !unix

package toolbridge

import "os/exec"

func configureProcessGroup(*exec.Cmd) {}
