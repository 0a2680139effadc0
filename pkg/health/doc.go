// Package health provides small, dependency-free health check primitives.
//
// The only consumer today is the Runner's startup reconciler, which uses
// TCPChecker to confirm a re-adopted vps task's SSH port has come back up.
package health
