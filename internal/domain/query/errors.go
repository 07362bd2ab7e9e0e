package query

import "errors"

var (
	// ErrTimeout rejects a query whose response did not arrive in time.
	ErrTimeout = errors.New("query timed out")
	// ErrChannelLost rejects every query outstanding on a channel that died.
	ErrChannelLost = errors.New("channel lost")
	// ErrCanceled is the result of a query the caller stopped listening to.
	ErrCanceled = errors.New("query canceled")
	// ErrManagerClosed rejects queries outstanding when the manager shut down.
	ErrManagerClosed = errors.New("query manager closed")
	// ErrNotSettled is returned by Result before the query settles.
	ErrNotSettled = errors.New("query not settled")
	// ErrSettled is returned when updating a query that already settled.
	ErrSettled = errors.New("query already settled")
)

// RemoteError carries the error text of a failed response. The receiving
// side produced it; the local side only relays it.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// IsRemote reports whether err originated on the other side of a channel.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
