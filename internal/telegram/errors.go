package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mymmrac/telego/telegoapi"

	"github.com/multibot-io/multibot/internal/errs"
)

// Classify maps raw Bot API failures onto the shared wire error kinds
// so callers can react by type: back off on rate limits, drop
// subscriptions on forbidden, retry on timeouts.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case 429:
			var retry time.Duration
			if apiErr.Parameters != nil {
				retry = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return fmt.Errorf("%s: %w", apiErr.Description, &errs.WireRateLimitedError{RetryAfter: retry})
		case 403:
			return fmt.Errorf("%s: %w", apiErr.Description, errs.ErrWireForbidden)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrWireTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", errs.ErrWireTimeout, err)
	}
	return err
}
