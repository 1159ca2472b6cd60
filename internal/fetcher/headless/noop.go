package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// ErrDisabled is returned when headless rendering is switched off.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in for the chromedp fetcher when headless.enabled is false.
// Dynamic crawls then fail permanently instead of retrying.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, _ registrar.FetchRequest) (registrar.FetchResponse, error) {
	return registrar.FetchResponse{}, &registrar.PermanentError{Err: ErrDisabled}
}
