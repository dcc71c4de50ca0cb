// Package cli implements the interactive parfs-client shell.
package cli

import (
	"errors"
	"strings"
)

// Messages printed for input that never reaches the server.
var (
	ErrNoCommand      = errors.New("No commands were issued! Type 'help' for a list of commands.")
	ErrInvalidCommand = errors.New("Error: Command was invalid. Type 'help' for a list of commands.")
)

// Command describes one shell command.
type Command struct {
	Name        string
	Aliases     []string
	Args        []string
	Description string
}

// Usage returns the command line form, e.g. "down <remote> <local-dest>".
func (c *Command) Usage() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteString(" <")
		b.WriteString(a)
		b.WriteString(">")
	}
	return b.String()
}

// UsageError reports a wrong number of arguments.
type UsageError struct {
	Command *Command
}

func (e *UsageError) Error() string {
	return "Error: Wrong number of arguments passed.\nUsage: " + e.Command.Usage()
}

var commands = []*Command{
	{Name: "connect", Args: []string{"host:port"}, Description: "Establishes a connection to a parfs server"},
	{Name: "cd", Args: []string{"path"}, Description: "Changes the remote working directory"},
	{Name: "ls", Description: "Lists the remote working directory"},
	{Name: "mkdir", Args: []string{"name"}, Description: "Creates a directory in the remote working directory"},
	{Name: "up", Args: []string{"local", "remote"}, Description: "Uploads a local file to the server"},
	{Name: "down", Args: []string{"remote", "local-dest"}, Description: "Downloads a remote file to a local path or directory"},
	{Name: "status", Description: "Shows the connection status"},
	{Name: "help", Description: "Shows this help"},
	{Name: "quit", Aliases: []string{"exit"}, Description: "Disconnects and leaves the shell"},
}

// Commands returns the command table in help order.
func Commands() []*Command {
	return commands
}

// Lookup finds a command by name or alias, case-insensitively.
func Lookup(name string) (*Command, bool) {
	name = strings.ToLower(name)
	for _, c := range commands {
		if c.Name == name {
			return c, true
		}
		for _, a := range c.Aliases {
			if a == name {
				return c, true
			}
		}
	}
	return nil, false
}

// Parse splits a line into a command and its arguments and checks the
// argument count.
func Parse(line string) (*Command, []string, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, nil, ErrNoCommand
	}

	cmd, ok := Lookup(tokens[0])
	if !ok {
		return nil, nil, ErrInvalidCommand
	}

	args := tokens[1:]
	if len(args) != len(cmd.Args) {
		return cmd, nil, &UsageError{Command: cmd}
	}
	return cmd, args, nil
}
