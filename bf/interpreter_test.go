package bf_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dantecatalfamo/brainfuck-go/bf"
	"github.com/dantecatalfamo/brainfuck-go/utils"
)

// Run a program and return what it wrote, failing the test on any fault.
func run(t *testing.T, source string, input string) string {
	t.Helper()
	var output bytes.Buffer
	err := bf.Run(source, strings.NewReader(input), &output, nil)
	utils.AssertNoError(t, err)
	return output.String()
}

// Run a program expected to fault and return the fault.
func runFault(t *testing.T, source string) *bf.Fault {
	t.Helper()
	err := bf.Run(source, nil, nil, nil)
	utils.AssertError(t, err)
	var fault *bf.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a *bf.Fault, got %T (%v)", err, err)
	}
	return fault
}

func TestInterpreter_OutputEmptyInterpreter(t *testing.T) {
	program := []bf.Command{bf.Output}
	interpreter := bf.NewInterpreter(program, nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
}

func TestInterpreter_InputEmptyInterpreter(t *testing.T) {
	program := []bf.Command{bf.Input}
	interpreter := bf.NewInterpreter(program, nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
}

func TestInterpreter_EmptyProgram(t *testing.T) {
	interpreter := bf.NewInterpreter(nil, nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
}

func TestInterpreter_Increment(t *testing.T) {
	program := []bf.Command{bf.Increment}
	interpreter := bf.NewInterpreter(program, nil, nil, nil)
	utils.AssertEqual(t, interpreter.At(0), 0)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), 1)
}

func TestInterpreter_Decrement(t *testing.T) {
	program := []bf.Command{bf.Decrement}
	interpreter := bf.NewInterpreter(program, nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), -1)
}

func TestInterpreter_MoveRight(t *testing.T) {
	program := []bf.Command{bf.Right, bf.Increment}
	interpreter := bf.NewInterpreter(program, nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), 0)
	utils.AssertEqual(t, interpreter.At(1), 1)
}

func TestInterpreter_Loop(t *testing.T) {
	interpreter := bf.NewInterpreter(bf.Lex("+++[->+<]"), nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), 0)
	utils.AssertEqual(t, interpreter.At(1), 3)
}

func TestInterpreter_LoopZeroIterations(t *testing.T) {
	// cell is already zero, the body must not run
	interpreter := bf.NewInterpreter(bf.Lex("[>+<]"), nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(1), 0)
}

func TestInterpreter_NestedLoops(t *testing.T) {
	// 3 * 2 = 6 via nested loops
	interpreter := bf.NewInterpreter(bf.Lex("+++[->++[->+<]<]"), nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(2), 6)
}

func TestInterpreter_Reset(t *testing.T) {
	interpreter := bf.NewInterpreter(bf.Lex(">+"), nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(1), 1)
	interpreter.Reset()
	utils.AssertEqual(t, interpreter.At(1), 0)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(1), 1)
}

func TestInterpreter_IncrementWrapsAtMaxInt32(t *testing.T) {
	interpreter := bf.NewInterpreter(bf.Lex("+"), nil, nil, nil)
	interpreter.Set(0, math.MaxInt32)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), math.MinInt32)
}

func TestInterpreter_DecrementWrapsAtMinInt32(t *testing.T) {
	interpreter := bf.NewInterpreter(bf.Lex("-"), nil, nil, nil)
	interpreter.Set(0, math.MinInt32)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), math.MaxInt32)
}

func TestInterpreter_IncrementDecrementIsIdentity(t *testing.T) {
	for _, v := range []int32{0, -1, 1, math.MaxInt32, math.MinInt32, 12345} {
		interpreter := bf.NewInterpreter(bf.Lex("+-"), nil, nil, nil)
		interpreter.Set(0, v)
		utils.AssertNoError(t, interpreter.Run())
		utils.AssertEqual(t, interpreter.At(0), v)
	}
}

func TestInterpreter_LeftAtZeroFaults(t *testing.T) {
	fault := runFault(t, "<")
	utils.AssertErrorIs(t, fault, bf.ErrOutOfBounds)
	utils.AssertEqual(t, fault.Pos, 0)
	utils.AssertEqual(t, fault.Command, bf.Left)
}

func TestInterpreter_RightAtEndFaults(t *testing.T) {
	interpreter := bf.NewInterpreter(nil, nil, nil, nil)
	// one move per cell; the final one has nowhere to go
	program := strings.Repeat(">", interpreter.MemoryLength())
	fault := runFault(t, program)
	utils.AssertErrorIs(t, fault, bf.ErrOutOfBounds)
	utils.AssertEqual(t, fault.Pos, interpreter.MemoryLength()-1)
}

func TestInterpreter_RightUpToEndCompletes(t *testing.T) {
	interpreter := bf.NewInterpreter(nil, nil, nil, nil)
	program := strings.Repeat(">", interpreter.MemoryLength()-1)
	utils.AssertEqual(t, run(t, program, ""), "")
}

func TestInterpreter_MissingLoopEnd(t *testing.T) {
	fault := runFault(t, "[><")
	utils.AssertErrorIs(t, fault, bf.ErrMissingLoopEnd)
	utils.AssertEqual(t, fault.Pos, 0)
}

func TestInterpreter_MissingLoopEndNested(t *testing.T) {
	// the inner pair matches; the outer '[' at 2 does not
	fault := runFault(t, "+-[[]")
	utils.AssertErrorIs(t, fault, bf.ErrMissingLoopEnd)
	utils.AssertEqual(t, fault.Pos, 2)
}

func TestInterpreter_MissingLoopStart(t *testing.T) {
	fault := runFault(t, "+><]")
	utils.AssertErrorIs(t, fault, bf.ErrMissingLoopStart)
	utils.AssertEqual(t, fault.Pos, 3)
}

func TestInterpreter_MissingLoopStartAtZero(t *testing.T) {
	// a lone ']' with a nonzero cell can not scan past position 0
	interpreter := bf.NewInterpreter(bf.Lex("]"), nil, nil, nil)
	interpreter.Set(0, 1)
	err := interpreter.Run()
	utils.AssertErrorIs(t, err, bf.ErrMissingLoopStart)
}

func TestInterpreter_BalancedBracketsNeverFault(t *testing.T) {
	for _, source := range []string{"[]", "[[]]", "+[-]", "++[>[-]<-]", "[][][]"} {
		utils.AssertEqual(t, run(t, source, ""), "")
	}
}

func TestInterpreter_OutputTruncatesToLowByte(t *testing.T) {
	var output bytes.Buffer
	interpreter := bf.NewInterpreter(bf.Lex("."), nil, &output, nil)
	interpreter.Set(0, 300)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqualArrays(t, output.Bytes(), []byte{44})
}

func TestInterpreter_OutputNegativeCell(t *testing.T) {
	// -1 is 0xFFFFFFFF unsigned; its low byte is 0xFF
	utils.AssertEqual(t, run(t, "-.", ""), "\xff")
}

func TestInterpreter_InputSignExtends(t *testing.T) {
	// byte 0xc8 (200) sign-extends to -56
	interpreter := bf.NewInterpreter(bf.Lex(","), strings.NewReader("\xc8"), nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), -56)
}

func TestInterpreter_InputRoundTrip(t *testing.T) {
	// a high byte survives the sign-extend/truncate round trip
	utils.AssertEqual(t, run(t, ",.", "\xc8"), "\xc8")
}

func TestInterpreter_CopyInputToOutput(t *testing.T) {
	utils.AssertEqual(t, run(t, ",.", "A"), "A")
}

func TestInterpreter_EmptyInputReadsZero(t *testing.T) {
	utils.AssertEqual(t, run(t, ",.", ""), "\x00")
}

func TestInterpreter_EOFOverwritesCell(t *testing.T) {
	// a read past EOF zeroes the cell rather than leaving it alone
	interpreter := bf.NewInterpreter(bf.Lex("+,"), strings.NewReader(""), nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), 0)
}

func TestInterpreter_CommentsAreIgnored(t *testing.T) {
	interpreter := bf.NewInterpreter(bf.Lex("+ add one more: +"), nil, nil, nil)
	utils.AssertNoError(t, interpreter.Run())
	utils.AssertEqual(t, interpreter.At(0), 2)
}

func TestInterpreter_FaultPositionCountsComments(t *testing.T) {
	fault := runFault(t, "comment [")
	utils.AssertEqual(t, fault.Pos, 8)
}

func TestInterpreter_DiagnosticWrittenToErrLog(t *testing.T) {
	var errlog bytes.Buffer
	err := bf.Run("<", nil, nil, &errlog)
	utils.AssertError(t, err)
	utils.Assert(t, strings.Contains(errlog.String(), "position 0"), "Diagnostic does not name the position")
	utils.Assert(t, strings.HasSuffix(errlog.String(), "\n"), "Diagnostic is not a full line")
}

func TestInterpreter_HelloAt(t *testing.T) {
	// build 64 with a multiply loop, move right, print '@'
	utils.AssertEqual(t, run(t, "++++++++[>++++++++<-]>.", ""), "@")
}

func TestInterpreter_RunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bf.RunContext(ctx, "+[]", nil, nil, nil)
	utils.AssertErrorIs(t, err, context.Canceled)
}
