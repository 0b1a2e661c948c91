package testing

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Response is a scripted reply served instead of the stored artifact.
type Response struct {
	// Status is the HTTP status. Zero means 200 with the stored body.
	Status int

	// Body overrides the stored artifact bytes when non-nil.
	Body []byte

	// Stall holds the request open until the client gives up or the
	// duration passes, whichever comes first. Nothing is written.
	Stall time.Duration

	// Truncate advertises the full length but sends only half of the body.
	Truncate bool
}

// ArtifactServer is an in-process stand-in for the remote release store.
// Artifacts are served at /<path>. Every request is counted per path.
type ArtifactServer struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	hits   map[string]int
	script map[string][]Response
	holds  map[string]chan struct{}
}

// NewArtifactServer starts a server that is closed when the test ends.
func NewArtifactServer(t *testing.T) *ArtifactServer {
	t.Helper()
	s := &ArtifactServer{
		files:  make(map[string][]byte),
		hits:   make(map[string]int),
		script: make(map[string][]Response),
		holds:  make(map[string]chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Put stores an artifact at path.
func (s *ArtifactServer) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[clean(path)] = append([]byte(nil), data...)
}

// Script queues responses for path. Each request consumes one; once the
// queue is empty the stored artifact is served.
func (s *ArtifactServer) Script(path string, rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := clean(path)
	s.script[p] = append(s.script[p], rs...)
}

// Hold blocks every request for path until the returned release func runs.
func (s *ArtifactServer) Hold(path string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[clean(path)] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.holds, clean(path))
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Hits returns the number of requests received for path.
func (s *ArtifactServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[clean(path)]
}

// URL returns the absolute URL of path.
func (s *ArtifactServer) URL(path string) string {
	return s.Server.URL + "/" + clean(path)
}

func (s *ArtifactServer) serve(w http.ResponseWriter, r *http.Request) {
	p := clean(r.URL.Path)

	s.mu.Lock()
	s.hits[p]++
	var resp Response
	scripted := false
	if q := s.script[p]; len(q) > 0 {
		resp, scripted = q[0], true
		s.script[p] = q[1:]
	}
	body, ok := s.files[p]
	hold := s.holds[p]
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	if scripted && resp.Stall > 0 {
		select {
		case <-time.After(resp.Stall):
		case <-r.Context().Done():
		}
		return
	}
	if scripted && resp.Status != 0 && resp.Status != http.StatusOK {
		http.Error(w, http.StatusText(resp.Status), resp.Status)
		return
	}
	if scripted && resp.Body != nil {
		body, ok = resp.Body, true
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	if scripted && resp.Truncate {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:len(body)/2])
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

func clean(path string) string {
	return strings.TrimPrefix(path, "/")
}
