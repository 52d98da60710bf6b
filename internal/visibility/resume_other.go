//go:build !unix

package visibility

import (
	"context"

	"github.com/rs/zerolog"
)

// WatchResume has no resume signal to watch on this platform. It returns
// when ctx is done.
func WatchResume(ctx context.Context, _ *Broadcaster, log zerolog.Logger) {
	log.Debug().Msg("Resume notifications unsupported on this platform")
	<-ctx.Done()
}
