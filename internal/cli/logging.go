// Package cli holds the small amount of setup shared by the four command
// binaries: logging bootstrap and the -v/-q verbosity flags.
package cli

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Verbosity holds the -v/-q flags; AddTo registers them on a flag set.
type Verbosity struct {
	Verbose bool
	Quiet   bool
}

func (v *Verbosity) AddTo(flags *pflag.FlagSet) {
	flags.BoolVarP(&v.Verbose, "verbose", "v", false, "increase output verbosity")
	flags.BoolVarP(&v.Quiet, "quiet", "q", false, "decrease output verbosity")
}

// WithLogger installs a logrus-backed dlog logger into ctx, leveled
// according to v.
func WithLogger(ctx context.Context, v Verbosity) context.Context {
	l := logrus.New()
	switch {
	case v.Verbose:
		l.SetLevel(logrus.TraceLevel)
	case v.Quiet:
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(l))
}
