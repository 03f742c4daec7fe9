package bf

import (
	"context"
	"io"
)

// Run executes a brainfuck program against a fresh 30,000-cell memory.
// Runtime faults are mirrored to errlog (pass nil to discard) and
// returned. Positions in diagnostics are byte offsets into source.
func Run(source string, input io.Reader, output io.Writer, errlog io.Writer) error {
	return RunContext(context.Background(), source, input, output, errlog)
}

func RunContext(ctx context.Context, source string, input io.Reader, output io.Writer, errlog io.Writer) error {
	commands := Lex(source)
	interpreter := NewInterpreter(commands, input, output, errlog)
	return interpreter.RunContext(ctx)
}
