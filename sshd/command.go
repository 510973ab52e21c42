package sshd

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/armon/go-radix"
)

// ErrUsage is returned by callbacks that were given the wrong arguments, after
// they told the user.
var ErrUsage = errors.New("usage error")

// CommandFlags is a function called before help or command execution to parse command line flags
// It should return a flag.FlagSet instance and a pointer to the struct that will contain parsed flags
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback is the function called when your command should execute.
// fs is the struct returned by Command.Flags, if there was one. -h and -help
// are handled before the callback runs. a holds the unconsumed arguments.
// Errors are logged locally, the callback reports problems to the user itself.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

// Usage writes the one line usage of c and returns ErrUsage.
func (c *Command) Usage(w StringWriter) error {
	line := c.Name
	if c.Help != "" {
		line += " " + c.Help
	}
	_ = w.WriteLine("usage: " + line)
	return ErrUsage
}

func execCommand(c *Command, args []string, w StringWriter) error {
	var fs any

	if c.Flags != nil {
		fl, v := c.Flags()
		if fl != nil {
			// fl.Parse prints usage to w on failure.
			fl.SetOutput(w.GetWriter())
			if err := fl.Parse(args); err != nil {
				return err
			}
			args = fl.Args()
		}
		fs = v
	}

	return c.Callback(fs, args, w)
}

func dumpCommands(c *radix.Tree, w StringWriter) {
	if err := w.WriteLine("Available commands:"); err != nil {
		return
	}

	var lines []string
	for _, cmd := range allCommands(c) {
		lines = append(lines, fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription))
	}

	slices.Sort(lines)
	_ = w.Write(strings.Join(lines, "\n") + "\n\n")
}

func lookupCommand(c *radix.Tree, name string) (*Command, error) {
	v, ok := c.Get(name)
	if !ok {
		return nil, nil
	}

	cmd, ok := v.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}
	return cmd, nil
}

func matchCommand(c *radix.Tree, prefix string) []string {
	var names []string
	c.WalkPrefix(prefix, func(found string, _ any) bool {
		names = append(names, found)
		return false
	})
	slices.Sort(names)
	return names
}

func allCommands(c *radix.Tree) []*Command {
	var cmds []*Command
	c.Walk(func(_ string, v any) bool {
		if cmd, ok := v.(*Command); ok {
			cmds = append(cmds, cmd)
		}
		return false
	})
	return cmds
}

func helpCallback(commands *radix.Tree, a []string, w StringWriter) error {
	if len(a) == 0 {
		dumpCommands(commands, w)
		return nil
	}

	cmd, err := lookupCommand(commands, a[0])
	if err != nil {
		return err
	}
	if cmd == nil {
		return w.WriteLine("Command not available " + a[0])
	}

	if err := w.WriteLinef("%s - %s", cmd.Name, cmd.ShortDescription); err != nil {
		return err
	}

	if cmd.Help != "" {
		if err := w.WriteLinef("  %s %s", cmd.Name, cmd.Help); err != nil {
			return err
		}
	}

	if cmd.Flags != nil {
		if fs, _ := cmd.Flags(); fs != nil {
			fs.SetOutput(w.GetWriter())
			fs.PrintDefaults()
		}
	}

	return nil
}

func checkHelpArgs(args []string) bool {
	return slices.Contains(args, "-h") || slices.Contains(args, "-help")
}
