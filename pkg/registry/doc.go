// Package registry is the HTTP client for the remote extension registry.
//
// It lists, deletes, uploads (optionally as a validate-only dry run) and
// activates extension versions. Errors returned by the registry are decoded
// into *APIError; the version quantity limit is recognisable with
// errors.Is(err, ErrQuotaExceeded).
package registry
