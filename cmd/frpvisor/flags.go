package main

import "time"

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StatusFlags struct {
	Client string
	JSON   bool
}

type StartFlags struct {
	Client   string
	ClearLog bool
}

type RestartFlags struct {
	Client   string
	Force    bool
	ClearLog bool
}

// ClientAddFlags holds flags for client add.
type ClientAddFlags struct {
	Name       string
	ConfigPath string
	AlwaysOn   bool
	Disabled   bool
}

type AlertsFlags struct {
	Limit int
	JSON  bool
}
