// Licensed under the MIT License. See LICENSE file in the project root for details.

package discard

import (
	"fmt"

	"github.com/kianostad/undodiscard/internal/storage/undo"
	"github.com/pkg/errors"
)

var (
	// ErrInvariant marks a programming-error fault: a record missing at a
	// pointer believed valid, a chain into an unknown log, or a discard
	// position moving backwards.
	ErrInvariant = errors.New("undo discard invariant violated")
	// ErrNotTemporary is returned when a temporary discard targets a log of
	// another persistence class.
	ErrNotTemporary = errors.New("undo log is not temporary")
	// ErrReplay is returned when rolling back an aborted transaction failed.
	ErrReplay = errors.New("undo replay failed")
	// ErrDiscard is returned when the registry failed to reclaim space.
	ErrDiscard = errors.New("physical undo discard failed")
)

// Error is a failure confined to one log. Kind is one of ErrInvariant,
// ErrReplay or ErrDiscard; both Kind and Err match errors.Is.
type Error struct {
	Log  undo.LogNumber
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("undo log %d: %v: %v", e.Log, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func invariant(log undo.LogNumber, err error) error {
	return &Error{Log: log, Kind: ErrInvariant, Err: err}
}

func invariantf(log undo.LogNumber, format string, args ...interface{}) error {
	return &Error{Log: log, Kind: ErrInvariant, Err: errors.Errorf(format, args...)}
}

// kindName names the error kind for metrics.
func kindName(err error) string {
	switch {
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrDiscard):
		return "discard"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "other"
	}
}
