package fleet

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrUnknownBot is returned when a bot name is not in the catalog.
	ErrUnknownBot = xerrors.New("unknown bot")
	// ErrUnknownProxy is returned when an explicitly requested proxy
	// label is not configured.
	ErrUnknownProxy = xerrors.New("unknown proxy")
	// ErrMissingToken is returned by Open when a token is required
	// but none was given.
	ErrMissingToken = xerrors.New("missing room token")
)

// PayloadUnavailableError is returned when a bot's script cannot be read.
type PayloadUnavailableError struct {
	Bot  string
	Path string
	Err  error
}

func (e *PayloadUnavailableError) Error() string {
	return fmt.Sprintf("read payload of bot %q from %q: %s", e.Bot, e.Path, e.Err)
}

func (e *PayloadUnavailableError) Unwrap() error {
	return e.Err
}

// SpawnFailedError is returned when a room process could not be started
// or the room never became reachable.
type SpawnFailedError struct {
	Bot string
	Err error
}

func (e *SpawnFailedError) Error() string {
	return fmt.Sprintf("spawn room for bot %q: %s", e.Bot, e.Err)
}

func (e *SpawnFailedError) Unwrap() error {
	return e.Err
}
