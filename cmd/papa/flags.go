package main

import "time"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	Socket      string
	Timeout     time.Duration
	WaitTimeout time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// ControlFlags holds flags of start, stop and restart.
type ControlFlags struct {
	Wait bool
}

type StatusFlags struct {
	JSON bool
}

type TailFlags struct {
	Stream string
	Bytes  int
}

// AddFlags describes a process on the command line, or points at a JSON file
// holding the same definition.
type AddFlags struct {
	File         string
	Name         string
	Command      string
	Args         []string
	WorkDir      string
	Env          []string
	Restart      string
	MaxRetries   int
	StartSeconds time.Duration
	StopSignal   string
	StopGrace    time.Duration
	ResetAfter   time.Duration
	AutoStart    bool
	BufferSize   int
}
