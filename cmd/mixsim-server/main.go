// Package main is the mixsim simulation runner: it loads a TOML
// configuration, builds the simulator and drives the discrete-event
// clock to completion (spec.md §6/§9), grounded on
// katzenpost-client/main.go's flag/logging-backend setup.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/op/go-logging"

	"github.com/loopix-lab/mixsim/internal/simulator"
)

var log = logging.MustGetLogger("mixsim")

var logFormat = logging.MustStringFormatter(
	"%{level:.4s} %{id:03x} %{message}",
)
var ttyFormat = logging.MustStringFormatter(
	"%{color}%{time:15:04:05} ▶ %{level:.4s} %{id:03x}%{color:reset} %{message}",
)

const ioctlReadTermios = 0x5401

func isTerminal(fd int) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlReadTermios, uintptr(unsafe.Pointer(&termios)), 0, 0, 0)
	return err == 0
}

func stringToLogLevel(level string) (logging.Level, error) {
	switch level {
	case "DEBUG":
		return logging.DEBUG, nil
	case "INFO":
		return logging.INFO, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "WARNING":
		return logging.WARNING, nil
	case "ERROR":
		return logging.ERROR, nil
	case "CRITICAL":
		return logging.CRITICAL, nil
	}
	return -1, fmt.Errorf("invalid logging level %s", level)
}

func setupLoggerBackend(level logging.Level) logging.LeveledBackend {
	format := logFormat
	if isTerminal(int(os.Stderr.Fd())) {
		format = ttyFormat
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.NewBackendFormatter(backend, format)
	leveler := logging.AddModuleLevel(formatter)
	leveler.SetLevel(level, "mixsim")
	return leveler
}

func main() {
	var configFilePath string
	var logLevel string
	var maxSimTime float64
	var checkpointOut string
	var resumeFrom string

	flag.StringVar(&configFilePath, "config", "./mixsim.toml", "simulation configuration file (TOML)")
	flag.StringVar(&logLevel, "log_level", "INFO", "logging level: DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	flag.Float64Var(&maxSimTime, "max_sim_time", 0, "run horizon in sim-time units; 0 derives it from the trace (2x last event + lag)")
	flag.StringVar(&checkpointOut, "checkpoint", "", "write a checkpoint to this path after the run completes")
	flag.StringVar(&resumeFrom, "resume", "", "resume from a checkpoint file written by --checkpoint instead of starting fresh")
	flag.Parse()

	if configFilePath == "" {
		log.Error("you must specify a configuration file")
		flag.Usage()
		os.Exit(1)
	}

	level, err := stringToLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetBackend(setupLoggerBackend(level))

	var sim *simulator.Simulator
	if resumeFrom != "" {
		sim, err = simulator.Resume(configFilePath, resumeFrom, log)
		if err != nil {
			log.Criticalf("mixsim: resume failed: %v", err)
			os.Exit(1)
		}
		log.Noticef("mixsim: resumed from %s", resumeFrom)
	} else {
		sim, err = simulator.New(configFilePath, log)
		if err != nil {
			log.Criticalf("mixsim: configuration rejected: %v", err)
			os.Exit(1)
		}
	}

	if maxSimTime <= 0 {
		maxSimTime = sim.MaxSimTime()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)

	log.Noticef("mixsim: starting run, max_sim_time=%.2f", maxSimTime)
	go func() { done <- sim.Run(maxSimTime) }()

	select {
	case <-sigChan:
		log.Notice("mixsim: interrupted")
		os.Exit(1)
	case err = <-done:
		if err != nil {
			log.Criticalf("mixsim: run aborted: %v", err)
			os.Exit(1)
		}
	}

	log.Notice("mixsim: run complete")

	if checkpointOut != "" {
		if err := sim.Checkpoint(checkpointOut); err != nil {
			log.Errorf("mixsim: checkpoint failed: %v", err)
			os.Exit(1)
		}
		log.Noticef("mixsim: checkpoint written to %s", checkpointOut)
	}
}
