package core

import "errors"

// ErrUnknownCommand is returned when no handler is registered for a tag
var ErrUnknownCommand = errors.New("unknown command tag")

// CommandHandler handles one fully received command
type CommandHandler func() error

// Command represents a host command the firmware understands
type Command struct {
	Tag     byte
	Name    string
	Handler CommandHandler
}

// CommandTable maps packet tags to handlers. It is a flat array indexed by
// tag so dispatch never allocates.
type CommandTable struct {
	commands [256]*Command
	count    int
}

// NewCommandTable creates an empty command table
func NewCommandTable() *CommandTable {
	return &CommandTable{}
}

// Register adds or replaces the handler for tag
func (r *CommandTable) Register(tag byte, name string, handler CommandHandler) {
	if r.commands[tag] == nil {
		r.count++
	}
	r.commands[tag] = &Command{Tag: tag, Name: name, Handler: handler}
}

// GetCommand retrieves a command by tag
func (r *CommandTable) GetCommand(tag byte) (*Command, bool) {
	cmd := r.commands[tag]
	return cmd, cmd != nil
}

// Count returns the number of registered commands
func (r *CommandTable) Count() int {
	return r.count
}

// Dispatch calls the handler registered for tag
func (r *CommandTable) Dispatch(tag byte) error {
	cmd, ok := r.GetCommand(tag)
	if !ok || cmd.Handler == nil {
		return unknownCommandError{tag: tag}
	}
	return cmd.Handler()
}

type unknownCommandError struct {
	tag byte
}

func (e unknownCommandError) Error() string {
	return "unknown command tag: " + hex8(e.tag)
}

func (e unknownCommandError) Unwrap() error {
	return ErrUnknownCommand
}
