// Package errs defines the error kinds shared across the supervisor.
// Callers match them with errors.Is / errors.As rather than string checks.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Lifecycle errors returned by the bot manager.
var (
	ErrBotNotFound       = errors.New("bot not found")
	ErrBotAlreadyRunning = errors.New("bot is already running")
	ErrBotNotRunning     = errors.New("bot is not running")
)

// ErrPluginNotFound is returned when a requested plugin name or a declared
// dependency is absent from the registry.
var ErrPluginNotFound = errors.New("plugin not found")

// Store errors. ErrNotFound is the row-level miss shared by all
// repositories; ErrStoreUnavailable wraps connectivity failures.
var (
	ErrNotFound         = errors.New("record not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Wire errors mirror the Telegram API failure classes the supervisor
// reacts to. ErrWireForbidden means the user blocked the bot.
var (
	ErrWireTimeout   = errors.New("telegram api timeout")
	ErrWireForbidden = errors.New("forbidden: bot was blocked by the user")
)

// WireRateLimitedError carries the retry-after hint from a 429 response.
type WireRateLimitedError struct {
	RetryAfter time.Duration
}

func (e *WireRateLimitedError) Error() string {
	return fmt.Sprintf("telegram api rate limited, retry after %s", e.RetryAfter)
}

// PluginLoadError reports a descriptor that could not be turned into a
// working plugin instance.
type PluginLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PluginLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load plugin %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load plugin %s: %s", e.Path, e.Reason)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

// PluginCycleError names one plugin on a dependency cycle.
type PluginCycleError struct {
	Name string
}

func (e *PluginCycleError) Error() string {
	return fmt.Sprintf("circular plugin dependency involving %q", e.Name)
}

// ConfigValidationError points at the offending field of a bot config.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

// ConfigFileMissingError reports a config path that does not exist.
type ConfigFileMissingError struct {
	Path string
}

func (e *ConfigFileMissingError) Error() string {
	return fmt.Sprintf("config file %s does not exist", e.Path)
}

// InsufficientTokensError is a recoverable, user-visible billing error.
// It is never logged above warn level.
type InsufficientTokensError struct {
	Required  int64
	Available int64
	Action    string
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens for %s: need %d, have %d", e.Action, e.Required, e.Available)
}

// IsInsufficientTokens reports whether err is a billing shortfall.
func IsInsufficientTokens(err error) bool {
	var ite *InsufficientTokensError
	return errors.As(err, &ite)
}

// IsRetryableWire reports whether a wire error is worth retrying on the
// next cycle rather than failing the bot.
func IsRetryableWire(err error) bool {
	if errors.Is(err, ErrWireTimeout) {
		return true
	}
	var rl *WireRateLimitedError
	return errors.As(err, &rl)
}
