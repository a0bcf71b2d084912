package observability

import (
	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/rs/zerolog"
)

// NodeLogger returns the component logger for one node, tagged with its
// namespace and name so multi-node processes stay readable.
func NodeLogger(component, namespace, node string) zerolog.Logger {
	return logging.Component(component).With().
		Str("namespace", namespace).
		Str("node", node).
		Logger()
}
