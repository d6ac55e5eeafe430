// Package main trains the vocabulary described by the summary in a vocabulary directory.
package main

import (
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/store"
	"go.viam.com/objectretrieval/sweep"
	"go.viam.com/objectretrieval/training"
)

const (
	flagDebug      = "debug"
	flagNoProgress = "no-progress"
	flagCacheTTL   = "listing-ttl"
	flagStore      = "store"
)

func newLogger(debug bool) logging.Logger {
	if debug {
		return logging.NewDebugLogger("train-vocabulary")
	}
	return logging.NewLogger("train-vocabulary")
}

func newApp(loggerFor func(debug bool) logging.Logger) *cli.App {
	return &cli.App{
		Name:      "train-vocabulary",
		Usage:     "train a vocabulary tree from the sweeps named in its summary",
		ArgsUsage: "<vocabulary path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  flagNoProgress,
				Usage: "do not draw a progress bar",
			},
			&cli.DurationFlag{
				Name:  flagCacheTTL,
				Usage: "how long sweep directory listings are cached, 0 caches them for the whole run",
			},
			&cli.PathFlag{
				Name:  flagStore,
				Usage: "also save the trained tree into this vocabulary database",
			},
		},
		Action: func(c *cli.Context) (err error) {
			if c.NArg() < 1 {
				return cli.Exit("Please supply the path containing the vocabulary", 1)
			}
			logger := loggerFor(c.Bool(flagDebug))
			var progress io.Writer = c.App.ErrWriter
			if c.Bool(flagNoProgress) {
				progress = nil
			}
			opts := training.Options{
				Progress: progress,
				Cache:    sweep.NewListingCache(c.Duration(flagCacheTTL)),
			}
			if path := c.Path(flagStore); path != "" {
				st, openErr := store.Open(path, store.CompressionZSTD, logger.Sublogger("store"))
				if openErr != nil {
					return cli.Exit(openErr, 1)
				}
				defer func() {
					err = multierr.Combine(err, st.Close())
				}()
				opts.Store = st
			}
			if _, err := training.TrainVocabulary(c.Context, c.Args().First(), logger, opts); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}

func main() {
	if err := newApp(newLogger).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
