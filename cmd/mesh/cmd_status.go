package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/fleetmesh/mesh/pkg/config"
)

type statusReport struct {
	Agent        string                 `json:"agent" yaml:"agent"`
	Peers        int                    `json:"peers" yaml:"peers"`
	Routing      interface{}            `json:"routing" yaml:"routing"`
	Circuits     interface{}            `json:"circuits" yaml:"circuits"`
	QueueDepth   int                    `json:"queueDepth" yaml:"queueDepth"`
	QueueState   interface{}            `json:"queueState" yaml:"queueState"`
	AuditTail    []map[string]interface{} `json:"recentAudit,omitempty" yaml:"recentAudit,omitempty"`
}

func cmdStatus(cfg *config.Config, args []string) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	format := fs.String("format", "yaml", "output format (json|yaml)")
	tail := fs.Int("tail", 10, "recent audit entries to include")
	if err := fs.Parse(args); err != nil {
		return fail("%v", err)
	}

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	report := statusReport{
		Agent: n.reg.Self(),
		Peers: len(n.reg.Peers()),
	}
	if rt, err := n.disc.Routing(); err == nil {
		report.Routing = rt
	}
	if circuits, err := n.breaker.Snapshot(); err == nil {
		report.Circuits = circuits
	}
	if depth, err := n.send.DeadLetters().Len(); err == nil {
		report.QueueDepth = depth
	}
	if qs, err := n.drainer.State(); err == nil {
		report.QueueState = qs
	}
	if entries, err := n.auditLog.Tail(*tail); err == nil {
		for _, e := range entries {
			m := map[string]interface{}{
				"ts": e.TS, "from": e.From, "to": e.To,
				"type": e.Type, "status": e.Status, "subject": e.Subject,
			}
			report.AuditTail = append(report.AuditTail, m)
		}
	}

	switch *format {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fail("%v", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return fail("%v", err)
		}
		fmt.Print(string(data))
	default:
		return fail("unknown format %q", *format)
	}
	return 0
}

// cmdExport writes a gzipped tarball of state, sessions, and logs. Key
// material under config/ is deliberately excluded.
func cmdExport(cfg *config.Config, args []string) int {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	output := fs.String("output", "", "archive path (default mesh-export-<ts>.tar.gz)")
	if err := fs.Parse(args); err != nil {
		return fail("%v", err)
	}

	out := *output
	if out == "" {
		out = fmt.Sprintf("mesh-export-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	f, err := os.Create(out)
	if err != nil {
		return fail("%v", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	roots := []string{cfg.StateDir(), cfg.SessionsDir(), cfg.LogsDir()}
	for _, root := range roots {
		if err := addTree(tw, cfg.Home, root); err != nil {
			tw.Close()
			gw.Close()
			return fail("%v", err)
		}
	}
	if err := addFile(tw, cfg.Home, cfg.RegistryPath()); err != nil && !os.IsNotExist(err) {
		tw.Close()
		gw.Close()
		return fail("%v", err)
	}

	if err := tw.Close(); err != nil {
		return fail("%v", err)
	}
	if err := gw.Close(); err != nil {
		return fail("%v", err)
	}
	fmt.Printf("exported to %s\n", out)
	return 0
}

func addTree(tw *tar.Writer, home, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".lock") {
			return nil
		}
		return addFile(tw, home, path)
	})
}

func addFile(tw *tar.Writer, home, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(home, path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = rel

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, src)
	return err
}
