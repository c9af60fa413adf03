package provider

import "errors"

// Registry and descriptor errors. Configuration errors are fatal and must
// never be retried.
var (
	ErrUnknownProvider = errors.New("unknown provider")
)
