package chorus

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that a record does not exist. Deleting a missing
// record is not an error; lookups return this so HTTP adapters can map
// it to 404.
var ErrNotFound = errors.New("not found")

// ErrPromptTooLong reports that the worker rejected a prompt for size.
// It crosses component boundaries as a distinguished result: the
// dispatcher may reduce context and retry, everything else treats it as
// terminal.
var ErrPromptTooLong = errors.New("prompt too long")

// IsPromptTooLong reports whether err wraps ErrPromptTooLong.
func IsPromptTooLong(err error) bool {
	return errors.Is(err, ErrPromptTooLong)
}

// ErrAuth is returned by the token gate when a request carries a
// missing or invalid token.
type ErrAuth struct {
	Reason string
}

func (e *ErrAuth) Error() string {
	return "auth rejected: " + e.Reason
}

// ErrNotMember is returned by the chat fabric when a user acts on a
// room they have not joined.
type ErrNotMember struct {
	RoomID string
	UserID string
}

func (e *ErrNotMember) Error() string {
	return fmt.Sprintf("user %s is not a member of room %s", e.UserID, e.RoomID)
}

// ErrHTTP carries a non-2xx response from a remote collaborator (graph
// engine, vector index, worker callback).
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
