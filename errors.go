package modload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Subsystem errors
var (
	// Registry errors
	ErrModuleNotFound      = errors.New("module not found in registry")
	ErrDescriptorInvalid   = errors.New("module descriptor is invalid")
	ErrDuplicateDescriptor = errors.New("module descriptor already registered")

	// Permission errors
	ErrPermissionDenied = errors.New("permission denied for module")

	// Loading errors
	ErrLoadTimeout   = errors.New("module load timed out")
	ErrLoadCancelled = errors.New("module load cancelled")
	ErrLoaderNil     = errors.New("artifact loader is nil")

	// Cache errors
	ErrNoPreloader   = errors.New("no preloader configured for warmup")
	ErrSnapshotPath  = errors.New("cache snapshot path not configured")
	ErrWarmupOffline = errors.New("warmup skipped while offline")

	// Retry errors
	ErrRetryExhausted  = errors.New("retry attempts exhausted")
	ErrRetryInCooldown = errors.New("module is in retry cooldown")
	ErrNotRetryable    = errors.New("error category is not retryable")

	// Recovery errors
	ErrAssetNotTracked = errors.New("asset is not tracked for recovery")
	ErrFetcherNil      = errors.New("asset fetcher is nil")
)

// ErrorCategory classifies a load failure for retry and reporting decisions.
// Categories form a closed taxonomy: terminal categories reject immediately,
// retryable categories are handled internally by the retry coordinator.
type ErrorCategory string

const (
	// CategoryPermissionDenied indicates the caller lacks the required
	// permissions or role. Terminal, never retried.
	CategoryPermissionDenied ErrorCategory = "PERMISSION_DENIED"

	// CategoryModuleNotFound indicates an unknown module id. Terminal,
	// a configuration error rather than a runtime fault.
	CategoryModuleNotFound ErrorCategory = "MODULE_NOT_FOUND"

	// CategoryNetwork indicates a transport-level failure. Retryable,
	// but deferred while connectivity is down.
	CategoryNetwork ErrorCategory = "NETWORK_ERROR"

	// CategoryTimeout indicates the load exceeded its deadline. Retryable
	// with backoff.
	CategoryTimeout ErrorCategory = "TIMEOUT_ERROR"

	// CategoryChunkLoad indicates a missing or corrupt code chunk,
	// typically transient version skew after a deploy. Retryable.
	CategoryChunkLoad ErrorCategory = "CHUNK_LOAD_ERROR"

	// CategoryComponent indicates a transient initialization failure in the
	// loaded artifact. Retryable.
	CategoryComponent ErrorCategory = "COMPONENT_ERROR"

	// CategoryModule indicates a defect in the module itself (for example a
	// syntax error). Terminal, retrying cannot help.
	CategoryModule ErrorCategory = "MODULE_ERROR"

	// CategoryOffline indicates the load was attempted without
	// connectivity. Held until connectivity is restored.
	CategoryOffline ErrorCategory = "OFFLINE_ERROR"

	// CategoryUnknown is the conservative default for unclassified
	// failures. Retried at most once.
	CategoryUnknown ErrorCategory = "UNKNOWN_ERROR"
)

// retryableCategories is the set of categories the retry coordinator will
// consider. CategoryUnknown is included but limited to a single attempt.
var retryableCategories = map[ErrorCategory]bool{
	CategoryNetwork:   true,
	CategoryTimeout:   true,
	CategoryChunkLoad: true,
	CategoryComponent: true,
	CategoryOffline:   true,
	CategoryUnknown:   true,
}

// Retryable reports whether the category participates in retry handling at
// all. Terminal categories reject immediately and never reach the retry
// coordinator.
func (c ErrorCategory) Retryable() bool {
	return retryableCategories[c]
}

// Terminal reports whether the category rejects immediately.
func (c ErrorCategory) Terminal() bool {
	return !c.Retryable()
}

// LoadError is the classified form of a module load failure. It carries the
// full context a caller needs to surface the failure: the taxonomy category,
// the module id, a human message, the failure time, and any alternative
// suggestions computed at classification time.
type LoadError struct {
	Category    ErrorCategory `json:"category"`
	ModuleID    string        `json:"moduleId"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	Suggestions []string      `json:"suggestions,omitempty"`
	Err         error         `json:"-"`
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.ModuleID != "" {
		return fmt.Sprintf("%s: module %q: %s", e.Category, e.ModuleID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError builds a classified load error for the given module.
func NewLoadError(category ErrorCategory, moduleID string, err error) *LoadError {
	msg := string(category)
	if err != nil {
		msg = err.Error()
	}
	return &LoadError{
		Category:  category,
		ModuleID:  moduleID,
		Message:   msg,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Classify maps a raw loader failure onto the error taxonomy. Errors already
// carrying a category pass through unchanged; known sentinels and
// transport-level failures map to their category; everything else falls back
// to CategoryUnknown.
func Classify(err error, moduleID string) *LoadError {
	if err == nil {
		return nil
	}

	var le *LoadError
	if errors.As(err, &le) {
		if le.ModuleID == "" {
			le.ModuleID = moduleID
		}
		return le
	}

	var netErr net.Error
	switch {
	case errors.Is(err, ErrModuleNotFound):
		return NewLoadError(CategoryModuleNotFound, moduleID, err)
	case errors.Is(err, ErrPermissionDenied):
		return NewLoadError(CategoryPermissionDenied, moduleID, err)
	case errors.Is(err, ErrLoadTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewLoadError(CategoryTimeout, moduleID, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return NewLoadError(CategoryNetwork, moduleID, err)
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return NewLoadError(CategoryTimeout, moduleID, err)
		}
		return NewLoadError(CategoryNetwork, moduleID, err)
	}

	return NewLoadError(CategoryUnknown, moduleID, err)
}
