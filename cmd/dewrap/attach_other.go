//go:build !windows

package main

import (
	"fmt"

	"github.com/zboralski/dewrap/internal/process"
)

func attachPid(pid uint32) (process.Controller, func() error, error) {
	return nil, nil, fmt.Errorf("attaching to pid %d: live targets require windows; use --snapshot", pid)
}
