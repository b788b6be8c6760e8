// Package main is the TFTP server entrypoint.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/DrThorium/ServidorTFTP/internal"
	"github.com/DrThorium/ServidorTFTP/internal/log"
	"github.com/DrThorium/ServidorTFTP/server"
	"github.com/DrThorium/ServidorTFTP/storage"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CLI command definitions.
var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	rootCmd = &cobra.Command{
		Use:          "tftpd",
		Short:        "A TFTP server.",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serves files over TFTP until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func newStore() (storage.Store, error) {
	switch internal.Storage {
	case "dir":
		return storage.NewDir(internal.Root), nil
	case "memory":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage: %s", internal.Storage)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := envCheck(ctx); err != nil {
		return errors.Wrap(err, "env check failed")
	}
	store, err := newStore()
	if err != nil {
		return errors.Wrap(err, "new store failed")
	}
	s, err := server.NewServer(
		server.WithStore(store),
		server.WithTimeout(internal.Timeout),
		server.WithRetries(internal.Retries),
		server.WithReadTimeout(internal.ReadTimeout),
		server.WithMaxTransfers(internal.MaxTransfers),
		server.WithSessionTTL(internal.SessionTTL),
	)
	if err != nil {
		return errors.Wrap(err, "new server failed")
	}
	logger.WithFields(logrus.Fields{
		"addr":    internal.Addr,
		"storage": internal.Storage,
		"root":    internal.Root,
	}).Info("Starting TFTP server")
	return errors.Wrap(s.ListenAndServe(ctx, internal.Addr), "server has failed")
}

func envCheck(_ context.Context) error {
	if err := internal.ValidateEnv(); err != nil {
		return errors.Wrap(err, "validate env failed")
	}
	log.SetLogger(internal.LogLevel)
	return nil
}

func init() {
	err := internal.RegisterCommandFlags(rootCmd, []*internal.Flag{
		&internal.LogLevelFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	err = internal.RegisterCommandFlags(serveCmd, []*internal.Flag{
		&internal.AddrFlag,
		&internal.RootFlag,
		&internal.StorageFlag,
		&internal.TimeoutFlag,
		&internal.RetriesFlag,
		&internal.ReadTimeoutFlag,
		&internal.MaxTransfersFlag,
		&internal.SessionTTLFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
