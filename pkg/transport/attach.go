package transport

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
)

const (
	// Files smaller than InlineLimit are carried base64-inline; files of
	// InlineLimit bytes or more are staged on the scoped HTTP server and
	// referenced by URL.
	InlineLimit = 64 * 1024

	stagingLifetime = 5 * time.Minute
)

type stagedFile struct {
	path   string
	name   string
	mime   string
	digest string
}

// Stager turns local file paths into envelope attachments. Large files are
// served from a short-lived HTTP server bound to an ephemeral port; the
// server tears itself down after the staging lifetime or on Stop.
type Stager struct {
	reg *registry.Registry

	mu     sync.Mutex
	server *http.Server
	addr   string
	files  map[string]stagedFile // digest -> file
	timer  *time.Timer
}

func NewStager(reg *registry.Registry) *Stager {
	return &Stager{reg: reg, files: map[string]stagedFile{}}
}

func (s *Stager) Stage(paths []string) ([]envelope.Attachment, error) {
	var out []envelope.Attachment
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		if info.Size() < InlineLimit {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("attachment %s: %w", path, err)
			}
			out = append(out, envelope.Attachment{
				Type:     "inline",
				Encoding: "base64",
				Data:     base64.StdEncoding.EncodeToString(data),
				MimeType: mimeType,
				Size:     info.Size(),
			})
			continue
		}

		url, err := s.stageLarge(path, mimeType)
		if err != nil {
			return nil, err
		}
		out = append(out, envelope.Attachment{
			Type:     "url",
			URL:      url,
			MimeType: mimeType,
			Size:     info.Size(),
		})
	}
	return out, nil
}

func (s *Stager) stageLarge(path, mimeType string) (string, error) {
	digest, err := fileDigest(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureServerLocked(); err != nil {
		return "", err
	}
	name := filepath.Base(path)
	s.files[digest] = stagedFile{path: path, name: name, mime: mimeType, digest: digest}

	// Every new staging extends the lifetime; the timer fires once idle.
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(stagingLifetime, s.Stop)

	host := "127.0.0.1"
	if self, ok := s.reg.SelfPeer(); ok && self.IP != "" {
		host = self.IP
	}
	_, port, _ := net.SplitHostPort(s.addr)
	return fmt.Sprintf("http://%s:%s/attachments/%s/%s", host, port, digest, name), nil
}

func (s *Stager) ensureServerLocked() error {
	if s.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("attachment server: %w", err)
	}
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/attachments/", s.serveFile)
	s.server = &http.Server{Handler: mux}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WarnCF("transport", "attachment server exited", map[string]interface{}{"error": err.Error()})
		}
	}(s.server)

	logger.InfoCF("transport", "attachment server started", map[string]interface{}{"addr": s.addr})
	return nil
}

func (s *Stager) serveFile(w http.ResponseWriter, r *http.Request) {
	// Path shape: /attachments/{digest}/{name}
	var digest string
	rest := r.URL.Path[len("/attachments/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			digest = rest[:i]
			break
		}
	}

	s.mu.Lock()
	f, ok := s.files[digest]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", f.mime)
	w.Header().Set("ETag", `"`+f.digest+`"`)
	http.ServeFile(w, r, f.path)
}

// Active reports whether the staging server is currently serving files.
func (s *Stager) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// WaitIdle blocks until the staging server has torn down, so a one-shot
// CLI process does not exit underneath a peer still fetching.
func (s *Stager) WaitIdle() {
	for s.Active() {
		time.Sleep(time.Second)
	}
}

// Stop tears the staging server down and clears the stage.
func (s *Stager) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.server != nil {
		s.server.Close()
		s.server = nil
		logger.InfoC("transport", "attachment server stopped")
	}
	s.files = map[string]stagedFile{}
	s.addr = ""
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}
