package match

import "errors"

// Undo failure sentinels. Invalid input and missing rows surface as the
// repository's ErrInvalidArgument and ErrNotFound unchanged, so callers
// match every engine outcome with errors.Is alone.
var (
	ErrUnauthorized  = errors.New("match: only participants or admins may undo")
	ErrUndoExpired   = errors.New("match: undo window expired")
	ErrAlreadyUndone = errors.New("match: already undone")
)
