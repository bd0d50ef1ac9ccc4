//go:build !unix

package tools

import "os/exec"

// setProcessGroup keeps the default behavior of killing only the direct child.
func setProcessGroup(_ *exec.Cmd) {}
