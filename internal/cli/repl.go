package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/pjaol/cdp-browser/internal/browser"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive CDP shell",
	Long: `Opens an interactive shell on one browser connection.

Lines of the form "Domain.method {json}" are sent as raw commands, over the
attached page session if there is one and to the browser otherwise. The
connection is probed in the background and the shell exits if the browser
stops responding.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Per-command timeout")
	rootCmd.AddCommand(replCmd)
}

// replCommands lists REPL-specific commands for abbreviation matching.
var replCommands = []string{"attach", "detach", "eval", "exit", "help", "history", "navigate", "quit", "targets"}

// IsStdinTTY returns true if stdin is a terminal.
func IsStdinTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func runRepl(cmd *cobra.Command, args []string) error {
	if !IsStdinTTY() {
		return outputError("repl requires an interactive terminal")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := connect(cmd.Context())
	if err != nil {
		return outputError(err.Error())
	}
	defer c.Close()

	hbCtx, stopHeartbeat := context.WithCancel(cmd.Context())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		err := c.browser.Heartbeat(hbCtx, c.cfg.Heartbeat.Interval, c.cfg.Heartbeat.Timeout)
		if err != nil && hbCtx.Err() == nil {
			c.log.Error().Err(err).Msg("browser stopped responding")
		}
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	r := &repl{client: c, out: os.Stdout, timeout: timeout}
	defer r.detach()
	return r.run(cmd.Context())
}

// repl holds the state of one interactive shell.
type repl struct {
	client  *client
	out     io.Writer
	timeout time.Duration
	session *browser.Session
	history []string
}

// run reads lines until exit, EOF, Ctrl-C, or connection loss.
func (r *repl) run(ctx context.Context) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	for {
		line, err := ln.Prompt(r.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)

		if r.execute(ctx, line) {
			return nil
		}

		select {
		case <-r.client.browser.Conn().Done():
			return outputError("connection to the browser was lost")
		default:
		}
	}
}

func (r *repl) prompt() string {
	if r.session == nil {
		return "cdpctl> "
	}
	id := r.session.TargetID()
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("cdpctl [%s]> ", id)
}

// expandAbbreviation expands a command prefix to a full command name.
// Returns the expanded command and true if exactly one match found.
func expandAbbreviation(prefix string, commands []string) (string, bool) {
	prefix = strings.ToLower(prefix)
	var matches []string
	for _, cmd := range commands {
		if cmd == prefix {
			return cmd, true
		}
		if strings.HasPrefix(cmd, prefix) {
			matches = append(matches, cmd)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// execute handles one line and reports whether the shell should exit.
func (r *repl) execute(ctx context.Context, line string) bool {
	r.history = append(r.history, line)

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	// Domain.method lines are raw protocol commands.
	if strings.Contains(name, ".") {
		r.sendRaw(ctx, name, rest)
		return false
	}

	if expanded, ok := expandAbbreviation(name, replCommands); ok {
		name = expanded
	}

	switch name {
	case "exit", "quit":
		return true
	case "help", "?":
		r.printHelp()
	case "history":
		for i, cmd := range r.history {
			fmt.Fprintf(r.out, "  %d  %s\n", i+1, cmd)
		}
	case "targets":
		r.withTimeout(ctx, func(ctx context.Context) error {
			targets, err := r.client.browser.Targets(ctx)
			if err != nil {
				return err
			}
			printTargets(r.out, targets)
			return nil
		})
	case "attach":
		r.detach()
		r.withTimeout(ctx, func(ctx context.Context) error {
			s, err := r.client.page(ctx, rest)
			if err != nil {
				return err
			}
			r.session = s
			fmt.Fprintf(r.out, "attached to %s (session %s)\n", s.TargetID(), s.ID())
			return nil
		})
	case "detach":
		r.detach()
	case "navigate":
		if rest == "" {
			r.printError("usage: navigate <url>")
			return false
		}
		r.withSession(ctx, func(ctx context.Context, s *browser.Session) error {
			return s.Navigate(ctx, normalizeURL(rest))
		})
	case "eval":
		if rest == "" {
			r.printError("usage: eval <expression>")
			return false
		}
		r.withSession(ctx, func(ctx context.Context, s *browser.Session) error {
			value, err := s.Evaluate(ctx, rest)
			if err != nil {
				return err
			}
			return printValue(r.out, value)
		})
	default:
		r.printError(fmt.Sprintf("unknown command: %s (type help)", name))
	}
	return false
}

func (r *repl) sendRaw(ctx context.Context, method, rawParams string) {
	var params any
	if rawParams != "" {
		p, err := parseParams([]string{method, rawParams})
		if err != nil {
			r.printError(err.Error())
			return
		}
		params = p
	}

	r.withTimeout(ctx, func(ctx context.Context) error {
		var (
			result json.RawMessage
			err    error
		)
		if r.session != nil {
			result, err = r.session.Send(ctx, method, params)
		} else {
			result, err = r.client.browser.Conn().Send(ctx, method, params)
		}
		if err != nil {
			return errors.New(describeSendError(err))
		}
		return printValue(r.out, result)
	})
}

func (r *repl) withTimeout(ctx context.Context, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.printError(err.Error())
	}
}

func (r *repl) withSession(ctx context.Context, fn func(ctx context.Context, s *browser.Session) error) {
	if r.session == nil {
		r.printError("no page attached (use attach)")
		return
	}
	s := r.session
	r.withTimeout(ctx, func(ctx context.Context) error { return fn(ctx, s) })
}

func (r *repl) detach() {
	if r.session == nil {
		return
	}
	r.client.release(r.session)
	r.session = nil
}

func (r *repl) printError(msg string) {
	fmt.Fprintf(r.out, "Error: %s\n", msg)
}

func (r *repl) printHelp() {
	help := `
Commands (unique prefixes accepted: a=attach, d=detach, n=navigate, t=targets):
  targets              List browser targets
  attach [targetId]    Attach to a page (first page if omitted)
  detach               Detach from the current page
  navigate <url>       Navigate the attached page and wait for load
  eval <expression>    Evaluate JavaScript in the attached page
  Domain.method [json] Send a raw CDP command

REPL (unique prefixes accepted: he=help, hi=history, q=quit):
  help, ?     Show this help
  history     Show command history
  exit, quit  Detach and exit
`
	fmt.Fprintln(r.out, help)
}
