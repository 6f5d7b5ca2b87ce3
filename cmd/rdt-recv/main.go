// Command rdt-recv receives a file sent by an rdt-send peer over the
// reliable-data-transfer protocol.
package main

import (
	"os"
	"os/signal"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/YaoZengzeng/rdt/rrecv"
)

// registerFlags binds the receiver's optional parameters (spec.md §6).
func registerFlags(fs *pflag.FlagSet, cfg *rrecv.Config) {
	fs.IntVar(&cfg.RcvWindow, "window", 20, "receive window size, in packets")
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var cfg rrecv.Config

	root := &cobra.Command{
		Use:   "rdt-recv <port> <file>",
		Short: "receive a file sent over the reliable-data-transfer protocol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrap(err, "parse port")
			}
			cfg.Port = port
			cfg.FilePath = args[1]

			r, err := rrecv.New(log, cfg)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			go func() {
				if _, ok := <-sigCh; ok {
					log.Warn("interrupt received, aborting transfer")
					r.Shutdown()
				}
			}()
			defer signal.Stop(sigCh)

			return r.Run()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	registerFlags(root.Flags(), &cfg)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("receive failed")
		os.Exit(1)
	}
}
