package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gokvdb/internal/peer"
	"github.com/dantte-lp/gokvdb/internal/store"
)

// storeKind describes one database peer subcommand.
type storeKind struct {
	name  string
	use   string
	short string
}

var storeKinds = []storeKind{
	{
		name:  "ram",
		use:   "ram",
		short: "Run a database peer backed by memory",
	},
	{
		name:  "dbm",
		use:   "dbm PATH",
		short: "Run a database peer backed by a bbolt file",
	},
	{
		name:  "dir",
		use:   "dir PATH",
		short: "Run a database peer backed by a file-per-key directory",
	},
	{
		name:  "badger",
		use:   "badger PATH",
		short: "Run a database peer backed by a badger directory",
	},
}

// storeCmds builds one subcommand per store kind. Each connects to the
// router as a database peer and serves until interrupted.
func storeCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(storeKinds))
	for _, sk := range storeKinds {
		var (
			reset      bool
			resetSleep time.Duration
		)

		cmd := &cobra.Command{
			Use:   sk.use,
			Short: sk.short,
			RunE: func(_ *cobra.Command, args []string) error {
				return runPeer(sk.name, args, reset, resetSleep)
			},
		}
		cmd.Flags().BoolVarP(&reset, "reset", "r", false,
			"clear the local store and reload it from the collective before serving")
		cmd.Flags().DurationVar(&resetSleep, "reset-sleep", peer.DefaultResetSleep,
			"pause between batches of 128 reload requests")
		cmds = append(cmds, cmd)
	}
	return cmds
}

// runPeer opens the backing store and serves it to the router.
func runPeer(kind string, args []string, reset bool, resetSleep time.Duration) error {
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := store.Open(kind, args)
	if err != nil {
		return err
	}

	p := peer.New(st, peer.Config{
		Addr:       dialAddr(),
		Password:   flagPassword,
		TLS:        clientTLSConfig(),
		Reset:      reset,
		ResetSleep: resetSleep,
	}, logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	go func() {
		select {
		case <-p.Ready():
			logger.Info("peer serving", slog.String("store", kind))
		case <-ctx.Done():
		}
	}()

	return p.Run(ctx)
}
