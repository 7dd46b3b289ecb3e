package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/transport"
)

func cmdQueue(cfg *config.Config, args []string) int {
	if len(args) < 1 {
		return fail("usage: mesh queue <status|drain|purge>")
	}
	sub := args[0]

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	switch sub {
	case "status":
		letters, err := n.send.DeadLetters().List()
		if err != nil {
			return fail("%v", err)
		}
		state, err := n.drainer.State()
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("queued: %d  replayed-total: %d  purged-total: %d\n",
			len(letters), state.TotalReplayed, state.TotalPurged)
		if !state.LastDrain.IsZero() {
			fmt.Printf("last drain: %s\n", state.LastDrain.Format("2006-01-02 15:04:05"))
		}
		for _, dl := range letters {
			fmt.Printf("  %s -> %s  %s (attempts %d)  %s\n",
				dl.ID, dl.To, dl.FailReason, dl.Attempts, dl.Timestamp.Format("15:04:05"))
		}
		return 0

	case "drain":
		report, err := n.drainer.Drain(context.Background())
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("replayed: %d  purged: %d  skipped: %d  remained: %d\n",
			report.Replayed, report.Purged, report.Skipped, report.Remained)
		return 0

	case "purge":
		removed, err := n.send.DeadLetters().Purge(func(transport.DeadLetter) bool { return false })
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("purged %d message(s)\n", removed)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "mesh queue: unknown subcommand %q\n", sub)
		return 1
	}
}
