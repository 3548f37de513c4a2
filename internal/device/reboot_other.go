//go:build !linux

package device

import (
	"fmt"
	"runtime"
)

func reboot() error {
	return fmt.Errorf("reboot is not supported on %s", runtime.GOOS)
}
