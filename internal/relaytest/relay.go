// Package relaytest provides an in-memory relay server for exercising tunnel
// sessions without a real destination.
package relaytest

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Request is one request observed by the relay, in arrival order.
type Request struct {
	Method    string
	SessionID string
	Body      []byte
	At        time.Time
}

// Step is one scripted answer to a fetch.
type Step struct {
	Status int // 0 means 200
	Body   []byte
}

// Data is a 200 step carrying b.
func Data(b string) Step { return Step{Status: http.StatusOK, Body: []byte(b)} }

type session struct {
	destination string
	script      []Step
	closed      bool
}

// Server is an httptest relay speaking POST/GET/PUT/DELETE on {base}/{id}.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []Request
	order    []string
	sessions map[string]*session

	script         []Step
	idleStatus     int
	idleDelay      time.Duration
	announceStatus int
	pushStatus     int
	dropFetches    int
}

const prefix = "/tunnel"

// New starts a plain HTTP relay closed at test cleanup.
func New(t testing.TB) *Server {
	s := newServer()
	s.srv = httptest.NewServer(s)
	t.Cleanup(s.srv.Close)
	return s
}

// NewTLS starts a relay behind a self-signed certificate.
func NewTLS(t testing.TB) *Server {
	s := newServer()
	s.srv = httptest.NewTLSServer(s)
	t.Cleanup(s.srv.Close)
	return s
}

func newServer() *Server {
	return &Server{
		sessions:       make(map[string]*session),
		idleStatus:     http.StatusNoContent,
		idleDelay:      5 * time.Millisecond,
		announceStatus: http.StatusCreated,
		pushStatus:     http.StatusOK,
	}
}

// BaseURL is the value given to the client as server base URL.
func (s *Server) BaseURL() string { return s.srv.URL + prefix }

// HTTPServer exposes the underlying httptest server.
func (s *Server) HTTPServer() *httptest.Server { return s.srv }

// Script sets the fetch answers every new session replays before going idle.
func (s *Server) Script(steps ...Step) {
	s.mu.Lock()
	s.script = steps
	s.mu.Unlock()
}

// Idle sets the answer once a session's script is exhausted. The relay holds
// the request for delay first, like a long-poll.
func (s *Server) Idle(status int, delay time.Duration) {
	s.mu.Lock()
	s.idleStatus = status
	s.idleDelay = delay
	s.mu.Unlock()
}

func (s *Server) SetAnnounceStatus(code int) { s.mu.Lock(); s.announceStatus = code; s.mu.Unlock() }
func (s *Server) SetPushStatus(code int)     { s.mu.Lock(); s.pushStatus = code; s.mu.Unlock() }

// DropFetches makes the next n fetches fail at the transport level.
func (s *Server) DropFetches(n int) { s.mu.Lock(); s.dropFetches = n; s.mu.Unlock() }

// Requests returns every request seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the requests of one session.
func (s *Server) RequestsFor(id string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.SessionID == id {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many requests with method were made for id.
func (s *Server) Count(id, method string) int {
	n := 0
	for _, r := range s.RequestsFor(id) {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Times returns the arrival times of the requests with method made for id.
func (s *Server) Times(id, method string) []time.Time {
	var out []time.Time
	for _, r := range s.RequestsFor(id) {
		if r.Method == method {
			out = append(out, r.At)
		}
	}
	return out
}

// Sessions lists announced session ids in announcement order.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Destination returns what session id announced.
func (s *Server) Destination(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.destination
	}
	return ""
}

// Uploaded concatenates the PUT bodies of id in arrival order.
func (s *Server) Uploaded(id string) []byte {
	var buf bytes.Buffer
	for _, r := range s.RequestsFor(id) {
		if r.Method == http.MethodPut {
			buf.Write(r.Body)
		}
	}
	return buf.Bytes()
}

// Closed reports whether id received a DELETE.
func (s *Server) Closed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.closed
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, prefix+"/") {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, prefix+"/")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, SessionID: id, Body: body, At: time.Now()})
	sess := s.sessions[id]
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		s.announce(w, id, body)
	case http.MethodGet:
		if sess == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.fetch(w, r, sess)
	case http.MethodPut:
		if sess == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.mu.Lock()
		code := s.pushStatus
		s.mu.Unlock()
		w.WriteHeader(code)
	case http.MethodDelete:
		if sess == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.mu.Lock()
		sess.closed = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) announce(w http.ResponseWriter, id string, body []byte) {
	s.mu.Lock()
	code := s.announceStatus
	if _, exists := s.sessions[id]; exists {
		code = http.StatusConflict
	} else if code >= 200 && code < 300 {
		s.sessions[id] = &session{destination: string(body), script: append([]Step(nil), s.script...)}
		s.order = append(s.order, id)
	}
	s.mu.Unlock()
	w.WriteHeader(code)
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request, sess *session) {
	s.mu.Lock()
	if s.dropFetches > 0 {
		s.dropFetches--
		s.mu.Unlock()
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if len(sess.script) > 0 {
		step := sess.script[0]
		sess.script = sess.script[1:]
		s.mu.Unlock()
		if step.Status == 0 {
			step.Status = http.StatusOK
		}
		w.WriteHeader(step.Status)
		_, _ = w.Write(step.Body)
		return
	}
	code, delay := s.idleStatus, s.idleDelay
	s.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}
	w.WriteHeader(code)
}
