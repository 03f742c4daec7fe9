package bf

type Command byte

const (
	Increment Command = '+'
	Decrement Command = '-'
	Left      Command = '<'
	Right     Command = '>'
	Output    Command = '.'
	Input     Command = ','
	LoopStart Command = '['
	LoopEnd   Command = ']'
	Ignore    Command = ' '
)

func parse(c byte) Command {
	switch c {
	case '+':
		return Increment
	case '-':
		return Decrement
	case '>':
		return Right
	case '<':
		return Left
	case '.':
		return Output
	case ',':
		return Input
	case '[':
		return LoopStart
	case ']':
		return LoopEnd
	default:
		return Ignore
	}
}

func (c Command) String() string {
	switch c {
	case Increment:
		return "+"
	case Decrement:
		return "-"
	case Left:
		return "<"
	case Right:
		return ">"
	case Output:
		return "."
	case Input:
		return ","
	case LoopStart:
		return "["
	case LoopEnd:
		return "]"
	default:
		return " "
	}
}

type Lexer struct {
	chars string
}

func NewLexer(input string) *Lexer {
	return &Lexer{
		chars: input,
	}
}

// Lex maps each source byte to a Command. Bytes outside the instruction
// set become Ignore but stay in place, so a command's index is always its
// offset in the original source. Fault diagnostics rely on this.
func (l *Lexer) Lex() []Command {
	commands := make([]Command, len(l.chars))
	for j := 0; j < len(l.chars); j++ {
		commands[j] = parse(l.chars[j])
	}
	return commands
}

func Lex(input string) []Command {
	lexer := NewLexer(input)
	return lexer.Lex()
}
