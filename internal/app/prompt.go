package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/kyccall/internal/kyc"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
)

// reviewerControls is the part of *kyc.Reviewer the console drives.
type reviewerControls interface {
	State() kyc.ReviewerState
	Queue() []registry.CallRequest
	Active() (registry.CallRequest, bool)
	Accept(ctx context.Context, id string) (bool, error)
	Decide(ctx context.Context, o registry.Outcome, notes string) (outcome.VerificationRecord, error)
	Hangup(ctx context.Context) error
}

type command struct {
	name string
	arg  string
}

var errUnknownCommand = errors.New("unknown command")

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "q", "queue", "ls":
		return command{name: "queue"}, nil
	case "a", "accept":
		if arg == "" {
			return command{}, errors.New("accept needs a queue position or call id")
		}
		return command{name: "accept", arg: arg}, nil
	case "approve", "approved", "reject", "rejected":
		o, _ := parseVerdict(name)
		return command{name: string(o), arg: arg}, nil
	case "hangup", "end":
		return command{name: "hangup"}, nil
	case "state", "s":
		return command{name: "state"}, nil
	case "help", "?", "h":
		return command{name: "help"}, nil
	case "quit", "exit":
		return command{name: "quit"}, nil
	}
	return command{}, fmt.Errorf("%w %q", errUnknownCommand, name)
}

// parseVerdict accepts the verb or the outcome spelling.
func parseVerdict(s string) (registry.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return registry.OutcomeApproved, true
	case "reject", "rejected":
		return registry.OutcomeRejected, true
	}
	return "", false
}

type console struct {
	lines <-chan string
	out   io.Writer
	r     reviewerControls
}

func newConsole(lines <-chan string, out io.Writer, r reviewerControls) *console {
	return &console{lines: lines, out: out, r: r}
}

// stdinLines feeds standard input line by line until EOF.
func stdinLines(ctx context.Context) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (c *console) run(ctx context.Context) error {
	fmt.Fprintln(c.out, "Type 'help' for commands.")
	for {
		fmt.Fprint(c.out, "kyc> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-c.lines:
			if !ok {
				return nil
			}
			line = l
		}
		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			continue
		}
		if cmd.name == "quit" {
			return nil
		}
		if err := c.exec(ctx, cmd); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "":
		return nil

	case "help":
		fmt.Fprintln(c.out, "  queue                 list waiting requests")
		fmt.Fprintln(c.out, "  accept <N|id>         take request N from the queue, or by id")
		fmt.Fprintln(c.out, "  approve [notes]       approve the connected applicant")
		fmt.Fprintln(c.out, "  reject [notes]        reject the connected applicant")
		fmt.Fprintln(c.out, "  hangup                end the current call without a verdict")
		fmt.Fprintln(c.out, "  state                 show the controller state")
		fmt.Fprintln(c.out, "  quit                  leave")
		return nil

	case "queue":
		q := c.r.Queue()
		if len(q) == 0 {
			fmt.Fprintln(c.out, "Queue is empty.")
			return nil
		}
		now := time.Now()
		for i, req := range q {
			fmt.Fprintf(c.out, "%3d  %s  %-20s  %-8s  waiting %s\n",
				i+1, req.ID, req.ApplicantID, req.Kind, now.Sub(req.CreatedAt).Round(time.Second))
		}
		return nil

	case "accept":
		id, err := c.resolve(cmd.arg)
		if err != nil {
			return err
		}
		won, err := c.r.Accept(ctx, id)
		if err != nil {
			return err
		}
		if !won {
			fmt.Fprintf(c.out, "Call %s was taken by another reviewer.\n", id)
			return nil
		}
		fmt.Fprintf(c.out, "Accepted %s. Connecting...\n", id)
		return nil

	case string(registry.OutcomeApproved), string(registry.OutcomeRejected):
		rec, err := c.r.Decide(ctx, registry.Outcome(cmd.name), cmd.arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Applicant %s is now %s (%d documents resolved).\n",
			rec.ApplicantID, rec.Status, rec.DocumentsResolved)
		return nil

	case "hangup":
		if err := c.r.Hangup(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Call ended.")
		return nil

	case "state":
		fmt.Fprintf(c.out, "State: %s\n", c.r.State())
		if a, ok := c.r.Active(); ok {
			fmt.Fprintf(c.out, "Call:  %s (%s, applicant %s)\n", a.ID, a.Status, a.ApplicantID)
		}
		return nil
	}
	return fmt.Errorf("%w %q", errUnknownCommand, cmd.name)
}

// resolve maps a 1-based queue position to a call id. Anything else is
// taken as an id.
func (c *console) resolve(arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg, nil
	}
	q := c.r.Queue()
	if n < 1 || n > len(q) {
		return "", fmt.Errorf("queue has %d entries", len(q))
	}
	return q[n-1].ID, nil
}
