package assistant

import "errors"

// Error kinds surfaced at the API boundary. Recoverable failures are handled
// inside Query with fallback responses; only these propagate.
var (
	// ErrInvalidInput maps to 400 with the canonical validation message.
	ErrInvalidInput = errors.New("assistant: invalid input")
	// ErrServiceUnavailable maps to 503 once the whole fallback ladder is
	// exhausted.
	ErrServiceUnavailable = errors.New("assistant: service unavailable")
)

// ValidationMessage is the user-facing text for invalid queries.
const ValidationMessage = "Please enter a question about your sermon notes (up to 500 characters)."
