package store

import "errors"

// Sentinel errors per spec.md §7. Callers compare with errors.Is;
// implementations wrap these with fmt.Errorf("...: %w", ErrX) so the
// sentinel survives crossing into internal/realm and internal/irc.
var (
	// ErrDuplicate signals a unique-key violation (nickname or group name).
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrNotFound signals an absent row.
	ErrNotFound = errors.New("store: not found")

	// ErrTransport signals the store was unreachable; propagated
	// verbatim to the caller per spec.md §4.1.
	ErrTransport = errors.New("store: transport error")
)
