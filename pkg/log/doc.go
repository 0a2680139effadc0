// Package log provides zerolog-based structured logging shared by the
// Host and Runner: a global Logger configured once via Init, plus
// component/node/task-scoped child loggers (WithComponent, WithNode,
// WithTask) so call sites don't repeat context fields by hand.
package log
