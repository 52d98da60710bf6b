//go:build unix

package visibility

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// WatchResume notifies b every time the process is continued after a stop
// (SIGCONT: resumed from ^Z or after the machine woke up). It returns when
// ctx is done.
func WatchResume(ctx context.Context, b *Broadcaster, log zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGCONT)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			log.Debug().Str("component", "visibility").Msg("Process resumed")
			b.Notify()
		}
	}
}
