package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/dantecatalfamo/brainfuck-go/bf"
)

// Refuse source files past 1 GiB rather than slurp them into memory.
const maxSourceSize = 1 << 30

var cli struct {
	Eval string `short:"e" optional:"" help:"Program text to run, instead of a file."`
	File string `arg:"" optional:"" help:"Brainfuck source file."`
}

func loadSource() (string, error) {
	if cli.Eval != "" {
		if cli.File != "" {
			return "", fmt.Errorf("-e and a source file are mutually exclusive")
		}
		return cli.Eval, nil
	}
	if cli.File == "" {
		return "", fmt.Errorf("expected a source file or -e PROGRAM")
	}
	info, err := os.Stat(cli.File)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", cli.File, err)
	}
	if info.Size() > maxSourceSize {
		return "", fmt.Errorf("%s is too large (%d bytes, limit %d)", cli.File, info.Size(), maxSourceSize)
	}
	source, err := os.ReadFile(cli.File)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", cli.File, err)
	}
	return string(source), nil
}

func main() {
	kong.Parse(&cli,
		kong.Name("bfrun"),
		kong.Description("Run a brainfuck program."),
		kong.UsageOnError(),
	)

	source, err := loadSource()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bfrun:", err)
		os.Exit(1)
	}

	// Faults print their own diagnostic to stderr
	if err := bf.Run(source, os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
