//go:build windows

package daemon

import (
	"errors"
	"log"
)

// Run is unavailable on Windows: persistent local-shell sessions are not
// daemon-backed there (spec §4.7, §9 Open Questions). The Windows local
// shell backend spawns a PTY in-process instead; see
// internal/backend/localshell/inprocess.go.
func Run(cfg Config, logger *log.Logger) (int, error) {
	return 0, errors.New("daemon: not supported on windows; use the in-process local shell backend")
}
