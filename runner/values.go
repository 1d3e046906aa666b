package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dhcgn/mail-and-packages/catalog"
)

// Values maps sensor names to int, string or []string values.
type Values map[string]any

// Int returns the integer value of name, or ErrMissingInput when it has not
// been computed.
func (v Values) Int(name string) (int, error) {
	raw, ok := v[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	n, ok := raw.(int)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, not int", ErrMissingInput, name, raw)
	}
	return n, nil
}

// sum adds the <shipper><suffix> values that are present.
func (v Values) sum(suffix string) int {
	total := 0
	for _, shipper := range catalog.Shippers {
		if n, err := v.Int(shipper + suffix); err == nil {
			total += n
		}
	}
	return total
}

// ErrDownloadTimeout is returned by Wait when downloads are still running.
var ErrDownloadTimeout = errors.New("downloads still running")

// Wait blocks until every background download finished or timeout passed,
// and joins the download errors.
func (r Result) Wait(ctx context.Context, timeout time.Duration) error {
	if len(r.Downloads) == 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var errs []error
	for _, done := range r.Downloads {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-timer.C:
			return errors.Join(append(errs, ErrDownloadTimeout)...)
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}
