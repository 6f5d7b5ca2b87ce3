// Command rdt-send sends a file to an rdt-recv peer over the
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

	"github.com/YaoZengzeng/rdt/rsend"
)

// registerFlags binds the sender's optional parameters (spec.md §6) onto
// fs, typed directly against pflag rather than through cobra's embedded
// accessor.
func registerFlags(fs *pflag.FlagSet, cfg *rsend.Config) {
	fs.Float64Var(&cfg.LossRate, "loss", 0, "packet loss rate injected on data segments, in [0,1]")
	fs.IntVar(&cfg.MaxWindow, "window", 20, "maximum send window size, in packets")
	fs.IntVar(&cfg.DelayMs, "delay", 0, "artificial per-send delay, in milliseconds")
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var cfg rsend.Config

	root := &cobra.Command{
		Use:   "rdt-send <host> <port> <file>",
		Short: "send a file over the reliable-data-transfer protocol",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrap(err, "parse port")
			}
			cfg.Host = args[0]
			cfg.Port = port
			cfg.FilePath = args[2]

			s, err := rsend.New(log, cfg)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			go func() {
				if _, ok := <-sigCh; ok {
					log.Warn("interrupt received, aborting transfer")
					s.Shutdown()
				}
			}()
			defer signal.Stop(sigCh)

			return s.Run()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	registerFlags(root.Flags(), &cfg)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("transfer failed")
		os.Exit(1)
	}
}
