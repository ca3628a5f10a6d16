package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketscope/core/internal/agent/guided"
	errx "github.com/marketscope/core/internal/core/error"
)

var chatCmd = &cobra.Command{
	Use:   "chat [query]",
	Short: "Research a market, then ask questions about the result",
	Long: `Runs the query like "research", then reads questions from stdin.

Commands:
  /select <id>...   replace the product selection
  /toggle <id>      add or remove one product from the selection
  /fees             start the fee and profitability flow for one selected product
  /confirm          approve a pending verified lookup
  /cancel           decline a pending verified lookup
  /estimate         accept the fee estimate offered after a failed lookup
  /retry <price>    retry the exact fee lookup at another price
  /new <query>      start a new analysis
  /quit             exit`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	a, err := newApp(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.Close()

	stopWatchdog := a.controller.StartWatchdog(ctx)
	defer stopWatchdog()

	snap, err := research(ctx, a, strings.Join(args, " "))
	printSummary(out, snap)
	if err != nil {
		return err
	}
	return repl(ctx, a, cmd.InOrStdin(), out)
}

type command struct {
	name string
	args []string
	text string
}

// parseLine splits a REPL line into a slash command or free text.
func parseLine(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	fields := strings.Fields(line)
	return command{name: strings.ToLower(strings.TrimPrefix(fields[0], "/")), args: fields[1:]}
}

func repl(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		quit, err := dispatch(ctx, a, parseLine(sc.Text()), out)
		if err != nil {
			fmt.Fprintf(out, "error: %s\n", describe(err))
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func dispatch(ctx context.Context, a *app, c command, out io.Writer) (quit bool, err error) {
	switch c.name {
	case "":
		if c.text == "" {
			return false, nil
		}
		return false, a.controller.Send(ctx, c.text)
	case "quit", "exit":
		return true, nil
	case "select":
		sel := a.session.Select(c.args...)
		a.controller.Enqueue(selectionNote(sel.IDs()))
		return false, nil
	case "toggle":
		if len(c.args) != 1 {
			return false, errors.New("usage: /toggle <id>")
		}
		sel := a.session.Toggle(c.args[0])
		a.controller.Enqueue(selectionNote(sel.IDs()))
		return false, nil
	case "fees":
		return false, a.controller.StartGuided(ctx)
	case "confirm":
		return false, a.controller.Confirm(ctx)
	case "cancel":
		if err := a.controller.Cancel(); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Lookup cancelled.")
		return false, nil
	case "estimate":
		return false, a.controller.UseEstimate()
	case "retry":
		if len(c.args) != 1 {
			return false, errors.New("usage: /retry <price>")
		}
		price, err := strconv.ParseFloat(strings.TrimPrefix(c.args[0], "$"), 64)
		if err != nil {
			return false, fmt.Errorf("invalid price %q", c.args[0])
		}
		return false, a.controller.RetryAt(ctx, price)
	case "new":
		if len(c.args) == 0 {
			return false, errors.New("usage: /new <query>")
		}
		snap, err := research(ctx, a, strings.Join(c.args, " "))
		printSummary(out, snap)
		return false, err
	default:
		return false, fmt.Errorf("unknown command /%s", c.name)
	}
}

func selectionNote(ids []string) string {
	if len(ids) == 0 {
		return "Selection cleared."
	}
	return "Selected: " + strings.Join(ids, ", ") + "."
}

// describe turns controller errors into short hints for the prompt.
func describe(err error) string {
	switch {
	case errors.Is(err, errx.ErrTurnInFlight):
		return "still answering the previous message"
	case errors.Is(err, errx.ErrAwaitingConfirmation):
		return "a verified lookup is waiting: /confirm or /cancel"
	case errors.Is(err, errx.ErrNoPendingEscalation):
		return "nothing to confirm"
	case errors.Is(err, errx.ErrNoActiveRun):
		return "no completed analysis yet; try /new <query>"
	case errors.Is(err, guided.ErrNoEstimate), errors.Is(err, guided.ErrNotActive):
		return err.Error()
	}
	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
