// The relayserver command runs the recovery relay: the untrusted ledger that
// synchronizes access requests and approval sessions between devices. It
// holds ciphertext and phase state only and never sees a code secret, a
// device key, or a seed phrase.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/social-recovery-backend/cmd/flags"
	"github.com/ruteri/social-recovery-backend/httpserver"
	"github.com/ruteri/social-recovery-backend/relay"
	"github.com/urfave/cli/v2"
)

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the relay API",
}

func main() {
	app := &cli.App{
		Name:  "relayserver",
		Usage: "Serve the social-recovery relay API",
		Flags: append([]cli.Flag{
			listenAddrFlag,
			flags.LogServiceFlagFn("recovery-relay"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(listenAddrFlag.Name))

			ledger := relay.NewLedger(logger)
			handler := relay.NewHandler(ledger, logger)

			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Relay is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
