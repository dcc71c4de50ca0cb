package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/marmos91/parfs/internal/logger"
	"github.com/marmos91/parfs/pkg/client"
)

// Shell runs parfs commands against one client session.
//
// It is driven either by go-prompt on an interactive terminal or by a plain
// line reader, and is not safe for concurrent use.
type Shell struct {
	session *client.Session
	out     io.Writer

	// remoteNames holds the entries of the last listing for completion.
	remoteNames []string
	quit        bool
}

// New creates a shell writing to out.
func New(session *client.Session, out io.Writer) *Shell {
	return &Shell{session: session, out: out}
}

// Prefix returns the prompt text, e.g. "parfs ~/docs/> ".
func (sh *Shell) Prefix() string {
	if !sh.session.Connected() {
		return "parfs> "
	}
	return "parfs " + sh.session.Cwd() + "> "
}

// Run reads commands from in until quit, end of input or ctx is done.
// Terminals get the interactive prompt; anything else is read line by line.
func (sh *Shell) Run(ctx context.Context, in *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return sh.RunLines(ctx, in)
	}

	// go-prompt leaves the terminal in raw mode when it exits through the
	// exit checker.
	state, err := term.GetState(fd)
	if err != nil {
		return fmt.Errorf("failed to read terminal state: %w", err)
	}
	defer func() {
		if err := term.Restore(fd, state); err != nil {
			logger.Debug("failed to restore terminal: %v", err)
		}
	}()

	sh.runPrompt(ctx)
	return nil
}

func (sh *Shell) runPrompt(ctx context.Context) {
	c := &completer{shell: sh}

	p := prompt.New(
		func(line string) { sh.Execute(ctx, line) },
		c.complete,
		prompt.OptionTitle("parfs-client"),
		prompt.OptionLivePrefix(func() (string, bool) {
			return sh.Prefix(), true
		}),
		prompt.OptionPrefixTextColor(prompt.Green),
		prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
		prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
		prompt.OptionSuggestionBGColor(prompt.DarkGray),
		prompt.OptionCompletionWordSeparator(" "),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return sh.quit || ctx.Err() != nil
		}),
	)
	p.Run()
}

// RunLines executes one command per line of r.
func (sh *Shell) RunLines(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(sh.out, sh.Prefix())
		if !scanner.Scan() {
			fmt.Fprintln(sh.out)
			break
		}
		if !sh.Execute(ctx, scanner.Text()) || ctx.Err() != nil {
			break
		}
	}
	_ = sh.session.Close()
	return scanner.Err()
}

// Execute runs a single command line. It returns false once the shell
// should stop.
func (sh *Shell) Execute(ctx context.Context, line string) bool {
	if sh.quit {
		return false
	}

	cmd, args, err := Parse(line)
	if err != nil {
		sh.printError(err)
		return true
	}

	if err := sh.dispatch(ctx, cmd, args); err != nil {
		sh.printError(err)
	}
	return !sh.quit
}

func (sh *Shell) dispatch(ctx context.Context, cmd *Command, args []string) error {
	switch cmd.Name {
	case "connect":
		return sh.connect(ctx, args[0])
	case "cd":
		return sh.cd(args[0])
	case "ls":
		return sh.ls()
	case "mkdir":
		return sh.session.Mkdir(args[0])
	case "up":
		return sh.up(args[0], args[1])
	case "down":
		return sh.down(args[0], args[1])
	case "status":
		return renderStatus(sh.out, sh.session.Status())
	case "help":
		return renderHelp(sh.out)
	case "quit":
		sh.quit = true
		return sh.session.Close()
	}
	return ErrInvalidCommand
}

func (sh *Shell) connect(ctx context.Context, addr string) error {
	sh.remoteNames = nil
	if err := sh.session.Connect(ctx, addr); err != nil {
		return err
	}
	successColor.Fprintln(sh.out, "Welcome to parfs!")
	fmt.Fprintf(sh.out, "Connected to server at %s.\n", addr)
	fmt.Fprintf(sh.out, "Current working directory is '%s'\n", sh.session.Cwd())
	return nil
}

func (sh *Shell) cd(dir string) error {
	if _, err := sh.session.Cd(dir); err != nil {
		return err
	}
	sh.remoteNames = nil
	return nil
}

func (sh *Shell) ls() error {
	listing, err := sh.session.Ls()
	if err != nil {
		return err
	}
	sh.remoteNames = splitListing(listing)
	renderListing(sh.out, listing)
	return nil
}

func (sh *Shell) up(local, remote string) error {
	p := newProgress(sh.out, "Uploading "+local)
	if err := sh.session.Up(local, remote, p.update); err != nil {
		return err
	}
	successColor.Fprintf(sh.out, "Uploaded %s to %s\n", local, remote)
	return nil
}

func (sh *Shell) down(remote, dest string) error {
	p := newProgress(sh.out, "Downloading "+remote)
	target, err := sh.session.Down(remote, dest, p.update)
	if err != nil {
		return err
	}
	successColor.Fprintf(sh.out, "Downloaded %s to %s\n", remote, target)
	return nil
}

func (sh *Shell) printError(err error) {
	errorColor.Fprintln(sh.out, err.Error())

	var remote *client.RemoteError
	if errors.As(err, &remote) && remote.Dropped() {
		sh.remoteNames = nil
		infoColor.Fprintln(sh.out, "Use 'connect' to reconnect.")
	}
}
