//go:build windows

package main

import (
	"github.com/zboralski/dewrap/internal/process"
)

func attachPid(pid uint32) (process.Controller, func() error, error) {
	l, err := process.OpenLive(pid)
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}
