package gateway

import (
	"errors"

	"connectrpc.com/connect"
	"github.com/mcdev12/examengine/go/internal/catalog"
	"github.com/mcdev12/examengine/go/internal/session"
)

// toConnectError maps domain errors onto connect codes. Errors that are
// already connect errors pass through.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(err, session.ErrEmptyAnswer),
		errors.Is(err, session.ErrInvalidSignal),
		errors.Is(err, session.ErrUnknownQuestion):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, catalog.ErrModuleNotFound),
		errors.Is(err, session.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, session.ErrReviewUnavailable),
		errors.Is(err, session.ErrNoActiveQuestion),
		errors.Is(err, session.ErrQuestionClosed),
		errors.Is(err, session.ErrExamNotInProgress),
		errors.Is(err, session.ErrAlreadyFinalized),
		errors.Is(err, session.ErrTooEarly),
		errors.Is(err, session.ErrSessionClosed):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
