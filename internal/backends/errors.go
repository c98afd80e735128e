package backends

import (
	"errors"
	"fmt"

	"github.com/amaumene/watchstate/internal/utils"
)

// Error levels mirror how failures are reported: transient ones are retried,
// validation drops the item, auth aborts the backend's remaining work.
const (
	LevelNotice  = "notice"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelFatal   = "fatal"
)

// Error is the leveled failure surface adapters return across component
// boundaries. Message may carry %(key) placeholders resolved from Context.
type Error struct {
	Level    string
	Message  string
	Context  map[string]any
	HTTPCode int
	Previous error
}

func (e *Error) Error() string {
	msg := utils.Interpolate(e.Message, e.Context)
	if e.Previous != nil {
		return fmt.Sprintf("%s: %v", msg, e.Previous)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Previous }

// NewError builds a leveled error.
func NewError(level, message string, ctx map[string]any, previous error) *Error {
	return &Error{Level: level, Message: message, Context: ctx, Previous: previous}
}

// ErrAuth marks 401/403 responses; remaining requests for the backend are
// aborted when it surfaces.
var ErrAuth = errors.New("backend authentication failed")

// ErrVersion marks features the backend server is too old for.
var ErrVersion = errors.New("backend version too old")

// IsAuthError reports whether err is (or wraps) an auth failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}
