package commands

import "errors"

// Sentinel errors for CLI argument validation, distinct from errors
// returned by the daemon itself (see pkg/client's sentinel errors).
var (
	errLayerRequired = errors.New("--layer is required")
)
