package main

// Exit codes. zerobrew only distinguishes success from failure; the
// error kind itself is reported on stderr.
const (
	ExitSuccess = 0
	ExitGeneral = 1
)
