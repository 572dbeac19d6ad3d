// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/froggy/app"
	"github.com/soothill/froggy/pkg/logger"
)

// setupDebugSignalHandlers installs the debug dump signals:
//
//	kill -USR1 <pid>  # log tracked devices, stores and export state
//	kill -USR2 <pid>  # log every goroutine stack
func setupDebugSignalHandlers(application *app.App) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	logger.Debug().Msg("Debug signal handlers installed (SIGUSR1 state, SIGUSR2 stacks)")

	go func() {
		for sig := range sigs {
			if sig == syscall.SIGUSR2 {
				app.DumpGoroutineStackTraces()
				continue
			}
			application.DumpApplicationState()
		}
	}()
}
