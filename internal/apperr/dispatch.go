package apperr

import "errors"

// asErr is a thin wrapper around errors.As so HTTPStatus can be written as a
// flat switch instead of repeated errors.As boilerplate.
func asErr(err error, target any) bool {
	switch t := target.(type) {
	case **ValidationError:
		return errors.As(err, t)
	case **CancellationError:
		return errors.As(err, t)
	case **StorageError:
		return errors.As(err, t)
	default:
		return false
	}
}
