package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fleetmesh/mesh/pkg/config"
)

func cmdSession(cfg *config.Config, args []string) int {
	if len(args) < 1 {
		return fail("usage: mesh session <list|show|context|send> [args]")
	}
	sub, rest := args[0], args[1:]

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	switch sub {
	case "list":
		records, err := n.sessions.List()
		if err != nil {
			return fail("%v", err)
		}
		for _, rec := range records {
			fmt.Printf("%-24s %-7s %2d participants %3d msgs  last %s\n",
				rec.SessionKey, rec.Status, len(rec.Participants), len(rec.Messages),
				rec.LastActivity.Format("2006-01-02 15:04"))
		}
		return 0

	case "show":
		if len(rest) < 1 {
			return fail("usage: mesh session show <key>")
		}
		rec, err := n.sessions.Get(rest[0])
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("session %s (%s)\nparticipants: %s\n",
			rec.SessionKey, rec.Status, strings.Join(rec.Participants, ", "))
		for _, m := range rec.Messages {
			fmt.Printf("[%s] %s -> %s: %s\n", m.TS, m.From, m.To, firstWords(m.Body, 12))
		}
		return 0

	case "context":
		if len(rest) < 1 {
			return fail("usage: mesh session context <key>")
		}
		block, err := n.sessions.ContextBlock(rest[0])
		if err != nil {
			return fail("%v", err)
		}
		fmt.Print(block)
		return 0

	case "send":
		if len(rest) < 2 {
			return fail("usage: mesh session send <key> <body>")
		}
		result, err := n.sessions.Send(context.Background(), rest[0], "", strings.Join(rest[1:], " "))
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("sent to %d participant(s)\n", len(result.Sent))
		for peer, reason := range result.Failed {
			fmt.Printf("  FAILED -> %s (%s)\n", peer, reason)
		}
		if len(result.Sent) == 0 {
			return 1
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "mesh session: unknown subcommand %q\n", sub)
		return 1
	}
}
