// Package inference turns a window's ungrouped tabs into group suggestions
// by asking a language model, with batching, retries, lenient parsing and
// group-name resolution.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// requestTimeout caps one HTTP request of the networked providers.
const requestTimeout = 2 * time.Minute

// TabInput is a tab as the model sees it.
type TabInput struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// GroupInput is an existing tab group offered to the model for reuse.
type GroupInput struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// BatchRequest is one provider call.
type BatchRequest struct {
	Tabs           []TabInput
	ExistingGroups []GroupInput
	Rules          string
}

// Assignment is one tab's raw decision as returned by the model.
// GroupName nil means the model chose not to group the tab.
type Assignment struct {
	TabID     int
	GroupName *string
}

// Provider is a model backend. Implementations must honour ctx
// cancellation and return within a bounded time.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req BatchRequest) ([]Assignment, error)
}

// RulesAware is implemented by providers that hold state derived from the
// custom rules and must rebuild it when they change.
type RulesAware interface {
	ResetSession(rules string)
}

// ErrInvalidOutput marks a model response that could not be parsed.
var ErrInvalidOutput = errors.New("invalid model output")

// ConfigError reports a missing or unusable provider configuration. It is
// never retried.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return "inference not configured: " + e.Reason
	}
	return fmt.Sprintf("inference provider %s: %s", e.Provider, e.Reason)
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
