package normalize

import (
	"errors"
	"strconv"

	"github.com/Klingon-tech/cointerm/internal/errs"
	klog "github.com/Klingon-tech/cointerm/internal/log"
)

// Bulk converts every record with conv. Records that fail are skipped and
// reported as *errs.NormalizationError in record order; the successful
// results keep their relative order.
func Bulk[S any, T any](kind string, recs []S, conv func(S) (*T, error)) ([]T, []error) {
	out := make([]T, 0, len(recs))
	var failures []error
	for i, r := range recs {
		v, err := conv(r)
		if err != nil {
			var ne *errs.NormalizationError
			if !errors.As(err, &ne) {
				err = &errs.NormalizationError{Kind: kind, ID: "#" + strconv.Itoa(i), Err: err}
			}
			klog.Normalize.Debug().Str("kind", kind).Int("index", i).Err(err).Msg("Skipping record")
			failures = append(failures, err)
			continue
		}
		out = append(out, *v)
	}
	return out, failures
}
