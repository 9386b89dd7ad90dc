// Package commands implements the gokvdb command line interface.
package commands

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gokvdb/internal/wire"
)

// Persistent flags shared by every subcommand.
var (
	// flagHost / flagPort form the router endpoint for the connecting
	// subcommands and the bind address for the router.
	flagHost string
	flagPort int

	// flagEndpoint overrides host/port with a full address string.
	flagEndpoint string

	// flagPassword is the shared secret for password-protected routers.
	flagPassword string

	// flagVerbose enables debug logging.
	flagVerbose bool

	// flagLogFile redirects logging from stderr into a file.
	flagLogFile string

	// flagTLS dials the router over TLS; flagTLSSkipVerify disables
	// certificate verification for it.
	flagTLS           bool
	flagTLSSkipVerify bool
)

// rootCmd is the top-level cobra command for gokvdb.
var rootCmd = &cobra.Command{
	Use:   "gokvdb",
	Short: "Networked key/value store",
	Long: "gokvdb is a replicated networked key/value store: a central router " +
		"fans mutations out to every connected database peer and dispatches " +
		"reads to one of them.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagHost, "host", "0.0.0.0", "host to serve on / connect to")
	pf.IntVar(&flagPort, "port", wire.DefaultPort, "port to serve on / connect to")
	pf.StringVarP(&flagEndpoint, "endpoint", "e", "", "full host:port endpoint, overrides --host/--port")
	pf.StringVarP(&flagPassword, "password", "p", "", "router password")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.StringVarP(&flagLogFile, "logfile", "l", "", "file to log to (default stderr)")
	pf.BoolVar(&flagTLS, "tls", false, "connect to the router over TLS")
	pf.BoolVar(&flagTLSSkipVerify, "tls-skip-verify", false, "skip TLS certificate verification")

	rootCmd.AddCommand(routerCmd())
	for _, c := range storeCmds() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(cmdShellCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// dialAddr resolves the router endpoint for connecting subcommands.
func dialAddr() string {
	if flagEndpoint != "" {
		return flagEndpoint
	}
	host := flagHost
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(flagPort))
}

// listenAddr resolves the bind address for the router subcommand.
func listenAddr() string {
	return net.JoinHostPort(flagHost, strconv.Itoa(flagPort))
}

// clientTLSConfig builds the dial-side TLS configuration, or nil.
func clientTLSConfig() *tls.Config {
	if !flagTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: flagTLSSkipVerify,
	}
}

// newLogger builds the process logger from the shared logging flags. The
// returned closer flushes the log file when one is used.
func newLogger() (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closer := func() {}
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", flagLogFile, err)
		}
		w = f
		closer = func() { f.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer, nil
}
