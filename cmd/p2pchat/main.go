// Command p2pchat is the minimal external-interface front end of a two-party
// peer-to-peer chat endpoint: it renders the text/status/file_saved/error
// sinks to stdout/stderr and reads chat lines from stdin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/p2pchat/internal/chat"
)

// Exit codes per the external interface contract.
const (
	exitOK               = 0
	exitConfigError      = 2
	exitConnectionFailed = 3
	exitEncryptionFailed = 4
)

var (
	flagPort          int
	flagConnect       string
	flagNickname      string
	flagDebug         bool
	flagNoEncryption  bool
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	root.AddCommand(newConfigCmd())
	if err := root.Execute(); err != nil {
		if ce, ok := err.(exitError); ok {
			return ce.code
		}
		return exitConfigError
	}
	return exitOK
}

// exitError carries a process exit code alongside the error cobra prints.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "p2pchat",
		Short: "A two-party peer-to-peer chat endpoint",
		RunE:  runChat,
	}
	flags := cmd.Flags()
	flags.IntVar(&flagPort, "port", 8080, "listen port")
	flags.StringVar(&flagConnect, "connect", "", "dial target host:port")
	flags.StringVar(&flagNickname, "nickname", "", "display nickname announced to the peer")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug-level logging")
	flags.BoolVar(&flagNoEncryption, "no-encryption", false, "disable the hybrid-cryptographic handshake")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if flagDebug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := chat.NewConfig(
		chat.WithListenPort(flagPort),
		chat.WithNickname(flagNickname),
		chat.WithEncryptionEnabled(!flagNoEncryption),
	)
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}

	endpoint, err := chat.NewEndpoint(cfg, logger)
	if err != nil {
		return exitError{code: exitConfigError, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	render := newRenderer(os.Stdout, os.Stderr, endpoint.Sinks())
	go render.run(ctx)

	fmt.Fprintf(os.Stderr, "local fingerprint: %s\n", endpoint.Fingerprint())

	err = endpoint.Run(ctx, flagConnect, os.Stdin)
	if err == nil {
		return nil
	}
	return exitError{code: classifyExit(err), err: err}
}

// classifyExit maps the error taxonomy of §7 onto the exit codes of §6.
func classifyExit(err error) int {
	switch err.(type) {
	case *chat.BindFailed, *chat.DialFailed, *chat.NoPeerReachable, *chat.PeerSilent, *chat.PeerClosed:
		return exitConnectionFailed
	case *chat.EncryptionRequired, *chat.HandshakeFailed, *chat.AuthenticationFailed:
		return exitEncryptionFailed
	case *chat.ConfigInvalid:
		return exitConfigError
	default:
		return exitConnectionFailed
	}
}
