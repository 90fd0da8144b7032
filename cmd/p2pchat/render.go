package main

import (
	"context"
	"fmt"
	"io"

	"github.com/gosuda/p2pchat/internal/chat"
)

// renderer drains an Endpoint's sinks and renders them as the one-line-per-
// message stdout/stderr contract of §6 ("Standard streams"). Rendering
// itself is explicitly an external-collaborator concern; this is the
// thinnest implementation that satisfies the contract.
type renderer struct {
	out   io.Writer
	errOut io.Writer
	sinks *chat.Sinks
}

func newRenderer(out, errOut io.Writer, sinks *chat.Sinks) *renderer {
	return &renderer{out: out, errOut: errOut, sinks: sinks}
}

func (r *renderer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.sinks.Text:
			fmt.Fprintf(r.out, "%s> %s\n", ev.Timestamp.Format("15:04:05"), ev.Text)
		case ev := <-r.sinks.Status:
			fmt.Fprintf(r.out, "* %s\n", ev.Detail)
		case ev := <-r.sinks.FileSaved:
			fmt.Fprintf(r.out, "* received file: %s (%d bytes)\n", ev.Path, ev.Size)
		case err := <-r.sinks.Error:
			fmt.Fprintf(r.errOut, "! %v\n", err)
		}
	}
}
