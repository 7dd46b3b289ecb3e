package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/transport"
)

func cmdDiscover(cfg *config.Config, args []string) int {
	if len(args) < 1 {
		return fail("usage: mesh discover <probe|status|elect|gossip|join>")
	}
	sub, rest := args[0], args[1:]

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	switch sub {
	case "probe":
		health, err := n.disc.ProbeAll(context.Background())
		if err != nil {
			return fail("%v", err)
		}
		for name, h := range health {
			state := "DOWN"
			if h.Reachable {
				state = "up"
			}
			fmt.Printf("%-16s %-5s %4dms  %s:%d\n", name, state, h.LatencyMs, h.IP, h.Port)
		}
		return 0

	case "status":
		rt, err := n.disc.Routing()
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("self:  %s\n", rt.Self)
		fmt.Printf("hub:   %s\n", rt.Hub)
		fmt.Printf("relay: %s\n", orDash(rt.Relay))
		fmt.Printf("mesh:  %d up / %d down of %d\n", rt.MeshHealth.Up, rt.MeshHealth.Down, rt.MeshHealth.Total)
		if !rt.LastElection.IsZero() {
			fmt.Printf("last election: %s\n", rt.LastElection.Format("2006-01-02 15:04:05"))
		}
		return 0

	case "elect":
		rt, err := n.disc.Elect(context.Background())
		if err != nil {
			return fail("%v", err)
		}
		if rt.Relay != "" {
			fmt.Printf("relay elected: %s\n", rt.Relay)
		} else {
			fmt.Println("hub reachable, no relay needed")
		}
		return 0

	case "gossip":
		sent, err := n.disc.Gossip(context.Background(), func(ctx context.Context, target, subject, body string) error {
			out := n.send.Send(ctx, target, envelope.TypeNotification, subject, body, transport.SendOptions{
				Priority: envelope.PriorityLow,
			})
			return out.Err
		})
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("gossiped to %d peer(s)\n", sent)
		return 0

	case "join":
		fs := pflag.NewFlagSet("join", pflag.ContinueOnError)
		name := fs.String("name", "", "peer agent name")
		ip := fs.String("ip", "", "peer ip")
		port := fs.Int("port", 8900, "peer port")
		token := fs.String("token", "", "peer bearer token")
		role := fs.String("role", registry.RolePeer, "peer role (hub|relay|sre|peer)")
		signing := fs.Bool("signing", false, "require signed envelopes to this peer")
		if err := fs.Parse(rest); err != nil {
			return fail("%v", err)
		}
		if *name == "" || *ip == "" {
			return fail("usage: mesh discover join --name n --ip a.b.c.d [--port p] [--token t] [--role r] [--signing]")
		}
		err := n.reg.Upsert(registry.Peer{
			Name: *name, IP: *ip, Port: *port, Token: *token, Role: *role, Signing: *signing,
		})
		if err != nil {
			return fail("%v", err)
		}
		fmt.Printf("registered %s at %s:%d\n", *name, *ip, *port)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "mesh discover: unknown subcommand %q\n", sub)
		return 1
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
