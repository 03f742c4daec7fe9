package bf

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const MemorySize = 30_000

// The three ways a program can fail at runtime. Everything else --
// unknown characters, EOF on input -- is deliberately not an error.
var (
	ErrOutOfBounds      = errors.New("data pointer out of bounds")
	ErrMissingLoopEnd   = errors.New("no matching ']'")
	ErrMissingLoopStart = errors.New("no matching '['")
)

// Fault is a runtime error at a particular position in the program.
// It wraps one of the Err* sentinels, so errors.Is works on it.
type Fault struct {
	Kind    error
	Command Command
	Pos     int
}

func (f *Fault) Error() string {
	return fmt.Sprintf("'%s' at position %d: %v", f.Command, f.Pos, f.Kind)
}

func (f *Fault) Unwrap() error {
	return f.Kind
}

type Interpreter struct {
	Program     []Command
	program_ptr int
	mem         []int32
	mem_ptr     int
	Input       io.Reader
	Output      io.Writer
	ErrLog      io.Writer
}

func NewInterpreter(program []Command, input io.Reader, output io.Writer, errlog io.Writer) *Interpreter {
	return &Interpreter{
		Program:     program,
		program_ptr: 0,
		mem:         make([]int32, MemorySize),
		mem_ptr:     0,
		Input:       input,
		Output:      output,
		ErrLog:      errlog,
	}
}

func (i *Interpreter) Reset() {
	i.program_ptr = 0
	i.mem_ptr = 0
	for j := range i.mem {
		i.mem[j] = 0
	}
}

func (i *Interpreter) MemoryLength() int {
	return len(i.mem)
}

// Index the memory
func (i *Interpreter) At(j int) int32 {
	return i.mem[j]
}

// Overwrite a memory cell. Useful for seeding state in tests.
func (i *Interpreter) Set(j int, v int32) {
	i.mem[j] = v
}

// Build the fault for the command at the current program position and
// mirror it to the error log, if there is one.
func (i *Interpreter) fault(kind error) *Fault {
	f := &Fault{
		Kind:    kind,
		Command: i.Program[i.program_ptr],
		Pos:     i.program_ptr,
	}
	if i.ErrLog != nil {
		fmt.Fprintf(i.ErrLog, "bf: %v\n", f)
	}
	return f
}

// Find the ']' matching the '[' at the current program position.
func (i *Interpreter) match_forward() (int, bool) {
	depth := 1
	for j := i.program_ptr + 1; j < len(i.Program); j++ {
		switch i.Program[j] {
		case LoopStart:
			depth++
		case LoopEnd:
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

// Find the '[' matching the ']' at the current program position.
func (i *Interpreter) match_backward() (int, bool) {
	depth := 1
	for j := i.program_ptr - 1; j >= 0; j-- {
		switch i.Program[j] {
		case LoopEnd:
			depth++
		case LoopStart:
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

// Run the program in a loop until it finishes or a fault occurs.
// Cancelling the context stops execution with ctx.Err(), which is
// distinct from the Err* runtime faults.
func (i *Interpreter) RunContext(ctx context.Context) error {
	if len(i.Program) == 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c := i.Program[i.program_ptr]
		switch c {
		case Increment:
			// int32 arithmetic wraps, so no overflow check
			i.mem[i.mem_ptr]++
		case Decrement:
			i.mem[i.mem_ptr]--
		case Right:
			if i.mem_ptr == len(i.mem)-1 {
				return i.fault(ErrOutOfBounds)
			}
			i.mem_ptr++
		case Left:
			if i.mem_ptr == 0 {
				return i.fault(ErrOutOfBounds)
			}
			i.mem_ptr--
		case Output:
			if i.Output != nil {
				// Emit the low 8 bits of the cell's unsigned reinterpretation
				b := byte(uint32(i.mem[i.mem_ptr]))
				i.Output.Write([]byte{b})
			}
		case Input:
			var buff [1]byte
			n := 0
			if i.Input != nil {
				n, _ = i.Input.Read(buff[:])
			}
			if n == 1 {
				// sign-extend the byte into the cell
				i.mem[i.mem_ptr] = int32(int8(buff[0]))
			} else {
				// exhausted input reads as zero, never as an error
				i.mem[i.mem_ptr] = 0
			}
		case LoopStart:
			if i.mem[i.mem_ptr] == 0 {
				// Skip ahead past the matching LoopEnd
				j, ok := i.match_forward()
				if !ok {
					return i.fault(ErrMissingLoopEnd)
				}
				i.program_ptr = j
			}
		case LoopEnd:
			if i.mem[i.mem_ptr] != 0 {
				// Jump back to the matching LoopStart
				j, ok := i.match_backward()
				if !ok {
					return i.fault(ErrMissingLoopStart)
				}
				i.program_ptr = j
			}
		default:
			// comment character
		}
		// Also steps past a just-matched bracket, so a pair is visited
		// exactly once per skip or jump.
		i.program_ptr++
		if i.program_ptr >= len(i.Program) {
			return nil
		}
	}
}

func (i *Interpreter) Run() error {
	return i.RunContext(context.Background())
}
