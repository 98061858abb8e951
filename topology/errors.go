package topology

import "github.com/pkg/errors"

var (
	ErrMalformedPayload   = errors.New("malformed topology payload")
	ErrPlaceholderApplied = errors.New("host placeholder was already replaced")
	ErrTopologyPublished  = errors.New("topology has already been published")
	ErrInvalidOptions     = errors.New("invalid generate options")
)

func malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedPayload, format, args...)
}
