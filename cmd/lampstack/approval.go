// approval.go gates the commands that change live infrastructure.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var errAborted = errors.New("aborted by operator")

// gate decides whether deploy or destroy may go ahead. Pre-approved runs pass
// silently; otherwise an operator on a terminal has to answer a prompt.
type gate struct {
	approved    bool
	interactive bool
	in          io.Reader
	out         io.Writer
}

func newGate(cmd *cobra.Command, yes, nonInteractive bool) (*gate, error) {
	approved := yes || envApproved()
	if nonInteractive && !approved {
		return nil, fmt.Errorf("--non-interactive requires --yes (or LAMPSTACK_YES=1)")
	}
	g := &gate{approved: approved, in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
	g.interactive = !nonInteractive && isTerminalReader(g.in) && isTerminalWriter(g.out)
	return g, nil
}

func envApproved() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LAMPSTACK_YES"))) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// confirm asks question and requires the reply token. An empty token means
// a case-insensitive "yes".
func (g *gate) confirm(ctx context.Context, question, token string) error {
	if g.approved {
		return nil
	}
	if !g.interactive {
		return errors.New("refusing to change live infrastructure without confirmation; rerun with --yes")
	}
	fmt.Fprintf(g.out, "%s ", strings.TrimSpace(question))

	reply := make(chan string, 1)
	fail := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(g.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fail <- err
			return
		}
		reply <- strings.TrimSpace(line)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(g.out)
		return ctx.Err()
	case err := <-fail:
		return err
	case got := <-reply:
		if token == "" {
			if strings.EqualFold(got, "yes") {
				return nil
			}
			return errAborted
		}
		if got != token {
			return errAborted
		}
		return nil
	}
}
