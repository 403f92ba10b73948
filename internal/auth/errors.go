package auth

import (
	"errors"
	"net/http"
)

// Request-level denial reasons. Every error returned by the request gate wraps
// exactly one of these; classify with errors.Is.
var (
	// ErrUnauthenticated is returned when the trusted header is absent and login is required.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrMalformedIdentity is returned when the trusted header is present but unusable.
	ErrMalformedIdentity = errors.New("malformed identity")

	// ErrHeaderCollision is returned when several raw header names normalize onto the
	// trusted header name and carry conflicting values.
	ErrHeaderCollision = errors.New("trusted header collision")

	// ErrDirectoryUnreachable is returned when no connection to the directory could be established.
	ErrDirectoryUnreachable = errors.New("directory unreachable")

	// ErrDirectoryTimeout is returned when a directory operation exceeded its deadline.
	ErrDirectoryTimeout = errors.New("directory timeout")

	// ErrDirectoryBindFailed is returned when the directory rejected the service bind credentials.
	ErrDirectoryBindFailed = errors.New("directory bind failed")

	// ErrDirectorySearchFailed is returned when a directory search returned an error result.
	ErrDirectorySearchFailed = errors.New("directory search failed")

	// ErrUserNotFoundInDirectory is returned when the user search matched no entry.
	ErrUserNotFoundInDirectory = errors.New("user not found in directory")

	// ErrAmbiguousDirectoryEntry is returned when the user search matched more than one entry.
	ErrAmbiguousDirectoryEntry = errors.New("ambiguous directory entry")

	// ErrNotAuthorized is returned when the user lacks the required group or is in the deny group.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrProvisioningDisabled is returned for unknown users when provisioning is turned off.
	ErrProvisioningDisabled = errors.New("user provisioning disabled")
)

var kinds = []struct {
	err    error
	name   string
	status int
}{
	{ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
	{ErrMalformedIdentity, "malformed_identity", http.StatusUnauthorized},
	{ErrHeaderCollision, "header_collision", http.StatusUnauthorized},
	{ErrDirectoryUnreachable, "directory_unreachable", http.StatusServiceUnavailable},
	{ErrDirectoryTimeout, "directory_timeout", http.StatusServiceUnavailable},
	{ErrDirectoryBindFailed, "directory_bind_failed", http.StatusServiceUnavailable},
	{ErrDirectorySearchFailed, "directory_search_failed", http.StatusServiceUnavailable},
	{ErrUserNotFoundInDirectory, "user_not_found", http.StatusForbidden},
	{ErrAmbiguousDirectoryEntry, "ambiguous_entry", http.StatusForbidden},
	{ErrNotAuthorized, "not_authorized", http.StatusForbidden},
	{ErrProvisioningDisabled, "provisioning_disabled", http.StatusForbidden},
}

// Kind returns a stable label for err, suitable for logs and metric labels.
// Unclassified errors are reported as "internal".
func Kind(err error) string {
	if err == nil {
		return "none"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// HTTPStatus maps a denial error to the status code the web layer should render.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err is a transient directory connectivity failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDirectoryUnreachable) || errors.Is(err, ErrDirectoryTimeout)
}

// IsDefinitive reports whether err is an authoritative "no access" answer from
// the directory, as opposed to a failure to obtain an answer. Definitive
// answers revoke previously granted privileges.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrUserNotFoundInDirectory) ||
		errors.Is(err, ErrAmbiguousDirectoryEntry)
}
