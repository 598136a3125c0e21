package core

import "errors"

var (
	// ErrNotFound is returned by stores when a keyed record does not exist.
	ErrNotFound = errors.New("not found")

	ErrPermissionDenied      = errors.New("permission denied")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired share link")
	ErrNotFoundOrNotOwner    = errors.New("share link not found or you don't have permission to revoke it")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrInvalidRoomID         = errors.New("invalid room id")
)
