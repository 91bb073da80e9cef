//go:build !unix

package engine

import (
	"os/exec"
	"time"
)

// killProcessGroup keeps the default cancel; process groups are a unix
// notion.
func killProcessGroup(*exec.Cmd, time.Duration) {}
