package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/conversation"
	"github.com/fleetmesh/mesh/pkg/envelope"
)

func cmdConverse(cfg *config.Config, args []string) int {
	if len(args) < 1 {
		return fail("usage: mesh converse <type> <question> --to a,b,c")
	}
	convType := args[0]

	fs := pflag.NewFlagSet("converse", pflag.ContinueOnError)
	to := fs.StringSlice("to", nil, "participants")
	ttl := fs.Int("ttl", 0, "conversation ttl seconds")
	ack := fs.Bool("ack", false, "broadcast only: expect acknowledgements")
	sessionKey := fs.String("session", "", "session key")
	if err := fs.Parse(args[1:]); err != nil {
		return fail("%v", err)
	}
	if fs.NArg() < 1 {
		return fail("usage: mesh converse <type> <question> --to a,b,c")
	}
	question := strings.Join(fs.Args(), " ")
	if len(*to) == 0 {
		return fail("--to is required")
	}

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	opts := conversation.OpenOptions{TTL: *ttl, Ack: *ack}
	if *sessionKey != "" {
		opts.Session = &envelope.Session{Key: *sessionKey}
	}

	conv, result, err := n.convs.Open(context.Background(), convType, question, *to, opts)
	if err != nil {
		return fail("%v", err)
	}

	fmt.Printf("%s opened (%s, round 1)\n", conv.ConversationID, conv.Type)
	for _, peer := range result.Sent {
		fmt.Printf("  sent -> %s\n", peer)
	}
	for peer, reason := range result.Failed {
		fmt.Printf("  FAILED -> %s (%s)\n", peer, reason)
	}
	if len(result.Sent) == 0 {
		return 1
	}
	return 0
}

func cmdConversation(cfg *config.Config, args []string) int {
	if len(args) < 1 {
		return fail("usage: mesh conversation <list|show|followup|complete|close|cancel|timeout|consensus|search> [args]")
	}
	sub, rest := args[0], args[1:]

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	switch sub {
	case "list":
		includeArchived := len(rest) > 0 && rest[0] == "--all"
		convs, err := n.convs.List(includeArchived)
		if err != nil {
			return fail("%v", err)
		}
		for _, c := range convs {
			fmt.Printf("%s  %-10s %-9s r%d %d/%d  %s\n",
				c.ConversationID, c.Type, c.Status, c.CurrentRound,
				c.ReceivedResponses, c.ExpectedResponses, firstWords(c.Question, 8))
		}
		return 0

	case "show":
		if len(rest) < 1 {
			return fail("usage: mesh conversation show <id>")
		}
		c, err := n.convs.Get(rest[0])
		if err != nil {
			return fail("%v", err)
		}
		data, _ := json.MarshalIndent(c, "", "  ")
		fmt.Println(string(data))
		return 0

	case "followup":
		if len(rest) < 2 {
			return fail("usage: mesh conversation followup <id> <question>")
		}
		round, result, err := n.convs.FollowUp(context.Background(), rest[0], strings.Join(rest[1:], " "))
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("round %d opened, sent to %d participants\n", round, len(result.Sent))
		for peer, reason := range result.Failed {
			fmt.Printf("  FAILED -> %s (%s)\n", peer, reason)
		}
		return 0

	case "complete":
		if len(rest) < 1 {
			return fail("usage: mesh conversation complete <id> [summary]")
		}
		summary := strings.Join(rest[1:], " ")
		if err := n.convs.Complete(rest[0], summary); err != nil {
			return fail("%v", err)
		}
		fmt.Println("completed")
		return 0

	case "close":
		if len(rest) < 1 {
			return fail("usage: mesh conversation close <id> [reason]")
		}
		if err := n.convs.Close(rest[0], strings.Join(rest[1:], " ")); err != nil {
			return fail("%v", err)
		}
		fmt.Println("closed")
		return 0

	case "cancel":
		if len(rest) < 1 {
			return fail("usage: mesh conversation cancel <id> [reason]")
		}
		if err := n.convs.Cancel(rest[0], strings.Join(rest[1:], " ")); err != nil {
			return fail("%v", err)
		}
		fmt.Println("cancelled")
		return 0

	case "timeout":
		swept, err := n.convs.TimeoutSweep(time.Now().UTC())
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("%d conversation(s) timed out\n", swept)
		return 0

	case "consensus":
		if len(rest) < 1 {
			return fail("usage: mesh conversation consensus <id> [round]")
		}
		round := 0
		if len(rest) > 1 {
			round, _ = strconv.Atoi(rest[1])
		}
		result, err := n.convs.Consensus(rest[0], round)
		if err != nil {
			return fail("%v", err)
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		if result.Verdict == conversation.VerdictNoData {
			return 1
		}
		return 0

	case "search":
		if len(rest) < 1 {
			return fail("usage: mesh conversation search <term>")
		}
		convs, err := n.convs.Search(strings.Join(rest, " "))
		if err != nil {
			return fail("%v", err)
		}
		for _, c := range convs {
			fmt.Printf("%s  %-10s %-9s  %s\n", c.ConversationID, c.Type, c.Status, firstWords(c.Question, 8))
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "mesh conversation: unknown subcommand %q\n", sub)
		return 1
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
		return strings.Join(words, " ") + "..."
	}
	return strings.Join(words, " ")
}
