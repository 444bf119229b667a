package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	StateFile  string
	LogLevel   string
}

// APIFlags select a remote statekeep API instead of the local state file.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Username   string
	Password   string
	Insecure   bool
}

type RunFlags struct {
	IdleTimeout time.Duration
	InputMode   string
	HTTPAddr    string
	StopOnIdle  bool
}

type LogFlags struct {
	Event string
	API   APIFlags
}

type LatestFlags struct {
	States int
	Logs   int
	API    APIFlags
}

type ServeFlags struct {
	Listen  string
	PidFile string
}

type AuthTokenFlags struct {
	TTL time.Duration
}
