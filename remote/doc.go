// Package remote defines the capability surfaces the orchestration core
// depends on: a Conn (one established transport session), a Channel (one
// remote command channel inside a Conn), and a Gateway (the dialer that
// establishes Conns, possibly through a jump host).
//
// Three kinds of Conn exist: the real SSH-backed session (package sshgw),
// the pending placeholder used while admission control defers establishment
// (package admission), and the in-memory fake in testing.go. Downstream code
// depends only on the interfaces here.
package remote
