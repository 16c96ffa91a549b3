package gateway

import "strings"

// Command is a quick action offered on a selection.
type Command string

const (
	Improve    Command = "improve"
	FixGrammar Command = "fixGrammar"
	Shorter    Command = "shorter"
	Longer     Command = "longer"
)

var instructions = map[Command]string{
	Improve:    "Improve the following text while maintaining its original meaning.",
	FixGrammar: "Fix any grammatical errors in the following text.",
	Shorter:    "Make the following text more concise while maintaining its key points.",
	Longer:     "Expand on the following text to provide more detail.",
}

func (c Command) Valid() bool {
	_, ok := instructions[c]
	return ok
}

// ParseCommand maps a request value onto a quick action. Matching ignores
// case and surrounding space.
func ParseCommand(value string) (Command, bool) {
	value = strings.TrimSpace(value)
	for c := range instructions {
		if strings.EqualFold(string(c), value) {
			return c, true
		}
	}
	return "", false
}

// Instruction returns the model instruction for command. Anything that is
// not a quick action is a custom instruction and used as written.
func Instruction(command string) string {
	if c, ok := ParseCommand(command); ok {
		return instructions[c]
	}
	return strings.TrimSpace(command)
}
