package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestGateConfirm(t *testing.T) {
	ctx := context.Background()
	ask := func(reply, token string) error {
		g := &gate{interactive: true, in: strings.NewReader(reply), out: &bytes.Buffer{}}
		return g.confirm(ctx, "Proceed?", token)
	}

	if err := ask("YES\n", ""); err != nil {
		t.Fatalf("yes reply: %v", err)
	}
	if err := ask("no\n", ""); !errors.Is(err, errAborted) {
		t.Fatalf("no reply: %v", err)
	}
	if err := ask("el-blog-cdk\n", "el-blog-cdk"); err != nil {
		t.Fatalf("stack name reply: %v", err)
	}
	if err := ask("EL-BLOG-CDK\n", "el-blog-cdk"); !errors.Is(err, errAborted) {
		t.Fatalf("stack name must match exactly: %v", err)
	}
	if err := ask("el-blog-cdk", "el-blog-cdk"); err != nil {
		t.Fatalf("reply without newline: %v", err)
	}

	var out bytes.Buffer
	approved := &gate{approved: true, in: strings.NewReader(""), out: &out}
	if err := approved.confirm(ctx, "Proceed?", ""); err != nil || out.Len() != 0 {
		t.Fatalf("approved gate prompted: %q, %v", out.String(), err)
	}
	headless := &gate{in: strings.NewReader("yes\n"), out: &out}
	if err := headless.confirm(ctx, "Proceed?", ""); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("headless gate must refuse, got %v", err)
	}
}

func TestGateConfirmCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := &blockingReader{ch: make(chan struct{})}
	defer close(block.ch)
	g := &gate{interactive: true, in: block, out: &bytes.Buffer{}}
	if err := g.confirm(ctx, "Proceed?", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

type blockingReader struct{ ch chan struct{} }

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.ch
	return 0, errors.New("closed")
}

func TestNewGate(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(""))
	cmd.SetErr(&bytes.Buffer{})

	if _, err := newGate(cmd, false, true); err == nil {
		t.Fatalf("--non-interactive without --yes must fail")
	}
	g, err := newGate(cmd, true, true)
	if err != nil || !g.approved || g.interactive {
		t.Fatalf("gate = %+v, %v", g, err)
	}

	t.Setenv("LAMPSTACK_YES", "on")
	g, err = newGate(cmd, false, true)
	if err != nil || !g.approved {
		t.Fatalf("env approval = %+v, %v", g, err)
	}
}
