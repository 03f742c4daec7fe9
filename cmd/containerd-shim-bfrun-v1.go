package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/containerd/v2/pkg/shim"

	"github.com/dantecatalfamo/brainfuck-go/bf"
	bfshim "github.com/dantecatalfamo/brainfuck-go/shim"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The shim binary doubles as the interpreter. The task service
	// re-execs it with a "bfrun" argument to run container entrypoints,
	// so a faulting program becomes a nonzero container exit status.
	interpreter, args := isInterpreterArg(os.Args[1:])
	if interpreter {
		if err := runInterpreter(ctx, args); err != nil {
			fmt.Fprintln(os.Stderr, "bfrun:", err)
			os.Exit(1)
		}
		return
	}

	shim.Run(ctx, bfshim.NewManager("io.containerd.bfrun.v1"))
}

func isInterpreterArg(args []string) (bool, []string) {
	for i, arg := range args {
		if arg == "bfrun" {
			return true, append(args[:i], args[i+1:]...)
		}
	}
	return false, args
}

func runInterpreter(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("bfrun", flag.ExitOnError)
	filename := flags.String("file", "", "brainfuck source file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *filename == "" {
		return fmt.Errorf("invalid argument: -file is required")
	}

	source, err := os.ReadFile(*filename)
	if err != nil {
		return err
	}

	// Fault diagnostics go to the container's stderr
	return bf.RunContext(ctx, string(source), os.Stdin, os.Stdout, os.Stderr)
}
