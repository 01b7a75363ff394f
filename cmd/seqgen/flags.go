package main

import "github.com/urfave/cli/v3"

var (
	modelPath  string
	modelsPath string
	logLevel   string
	logFormat  string
	debug      bool

	fileCfg Config
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model directory (config.json, optional generation_config.json)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to a directory of model directories",
			Destination: &modelsPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// generationFlags are the per-run overrides of the generation config.
func generationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "max-new-tokens", Aliases: []string{"n"}, Usage: "number of tokens to generate"},
		&cli.IntFlag{Name: "max-length", Usage: "maximum total sequence length"},
		&cli.IntFlag{Name: "min-new-tokens", Usage: "suppress end tokens until this many tokens are generated"},
		&cli.BoolFlag{Name: "do-sample", Usage: "sample instead of taking the best token"},
		&cli.IntFlag{Name: "num-beams", Usage: "number of beams (1 = no beam search)"},
		&cli.IntFlag{Name: "num-beam-groups", Usage: "split beams into groups for diverse beam search"},
		&cli.Float64Flag{Name: "diversity-penalty", Usage: "penalty for tokens chosen by earlier beam groups"},
		&cli.Float64Flag{Name: "penalty-alpha", Usage: "degeneration penalty of contrastive search"},
		&cli.BoolFlag{Name: "low-memory", Usage: "score contrastive candidates one batch at a time"},
		&cli.Int64Flag{Name: "seed", Usage: "sampling RNG seed"},
		&cli.Float64Flag{Name: "temperature", Aliases: []string{"temp", "t"}, Usage: "sampling temperature"},
		&cli.IntFlag{Name: "top-k", Aliases: []string{"top_k"}, Usage: "top-k filtering (0 = disabled)"},
		&cli.Float64Flag{Name: "top-p", Aliases: []string{"top_p"}, Usage: "nucleus filtering (1 = disabled)"},
		&cli.Float64Flag{Name: "repetition-penalty", Usage: "repetition penalty (1 = disabled)"},
		&cli.Float64Flag{Name: "length-penalty", Usage: "beam length penalty exponent"},
		&cli.IntFlag{Name: "no-repeat-ngram-size", Usage: "forbid repeating n-grams of this size"},
		&cli.IntFlag{Name: "num-return-sequences", Usage: "sequences returned per input row"},
		&cli.IntFlag{Name: "num-assistant-tokens", Usage: "initial draft length of assisted decoding"},
		&cli.IntFlag{Name: "pad", Usage: "pad token id"},
		&cli.IntSliceFlag{Name: "eos", Usage: "end token id (repeatable)"},
		&cli.BoolFlag{Name: "output-scores", Usage: "return per-step scores and transition scores"},
	}
}
