package collab

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRoom         = errors.New("collab: invalid room id")
	ErrInvalidDocumentName = errors.New("collab: invalid document name")
	ErrDetached            = errors.New("collab: registry detached")
	ErrNoRoom              = errors.New("collab: no room selected")
	ErrInactiveDocument    = errors.New("collab: cursor document is not active")
	ErrClosed              = errors.New("collab: coordinator closed")
	ErrLoopClosed          = errors.New("collab: loop closed")
	ErrMissingTransport    = errors.New("collab: missing transport factory")
	ErrMissingFetcher      = errors.New("collab: missing credential fetcher")
	ErrAlreadyStarted      = errors.New("collab: credential manager already started")
)

// CredentialFetchError is reported when fetching or renewing the token fails.
// It is transient: the manager retries and keeps serving the last good token.
type CredentialFetchError struct {
	Attempt int
	At      time.Time
	Err     error
}

func (e *CredentialFetchError) Error() string {
	return fmt.Sprintf("credential fetch attempt %d: %v", e.Attempt, e.Err)
}

func (e *CredentialFetchError) Unwrap() error { return e.Err }
