package tunnel

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matst80/httptun/internal/httpx"
	"github.com/matst80/httptun/internal/proto"
	"github.com/matst80/httptun/internal/registry"
	"github.com/matst80/httptun/internal/relaytest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const destination = "192.168.1.20:22"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseTimeout = time.Second
	return cfg
}

type served struct {
	local net.Conn
	done  chan error
	store registry.Store
}

// serve runs Handler.Serve on one end of a pipe and returns the other end.
func serve(t *testing.T, ctx context.Context, client *http.Client, base string, cfg Config) *served {
	t.Helper()
	store := registry.NewMemoryStore()
	h := NewHandler(client, Args{ServerURL: base, Destination: destination}, cfg, store, nil)
	local, remote := net.Pipe()
	s := &served{local: local, done: make(chan error, 1), store: store}
	go func() { s.done <- h.Serve(ctx, remote) }()
	t.Cleanup(func() { _ = local.Close() })
	return s
}

func (s *served) wait(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(within):
		t.Fatalf("session still running after %s", within)
		return nil
	}
}

func onlySession(t *testing.T, relay *relaytest.Server) string {
	t.Helper()
	ids := relay.Sessions()
	require.Len(t, ids, 1)
	return ids[0]
}

func TestServePingThenClose(t *testing.T) {
	relay := relaytest.New(t)
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	_, err := s.local.Write([]byte("PING"))
	require.NoError(t, err)
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 5*time.Second))

	id := onlySession(t, relay)
	reqs := relay.RequestsFor(id)
	require.Equal(t, http.MethodPost, reqs[0].Method)
	require.Equal(t, destination, string(reqs[0].Body))

	var puts []string
	for _, r := range reqs {
		if r.Method == http.MethodPut {
			puts = append(puts, string(r.Body))
		}
	}
	require.Equal(t, []string{"PING"}, puts)
	require.Equal(t, 1, relay.Count(id, http.MethodPost))
	require.True(t, relay.Closed(id))
	require.Equal(t, 0, s.store.Stats().Active)
}

func TestServeDownstreamOrder(t *testing.T) {
	relay := relaytest.New(t)
	relay.Script(relaytest.Data("AB"), relaytest.Data(""), relaytest.Data("CD"))
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	require.NoError(t, s.local.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 4)
	_, err := io.ReadFull(s.local, got)
	require.NoError(t, err)
	require.Equal(t, "ABCD", string(got))

	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 5*time.Second))
	id := onlySession(t, relay)
	require.GreaterOrEqual(t, relay.Count(id, http.MethodGet), 3)
	require.EqualValues(t, 4, s.store.Stats().BytesDown)
}

func TestServeUpstreamFidelity(t *testing.T) {
	relay := relaytest.New(t)
	cfg := testConfig()
	cfg.ChunkSize = 1000
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), cfg)

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	for off := 0; off < len(payload); off += 7777 {
		end := min(off+7777, len(payload))
		_, err := s.local.Write(payload[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 10*time.Second))

	id := onlySession(t, relay)
	require.Equal(t, payload, relay.Uploaded(id))
	for _, r := range relay.RequestsFor(id) {
		if r.Method == http.MethodPut {
			require.LessOrEqual(t, len(r.Body), 1000)
			require.NotEmpty(t, r.Body)
		}
	}
	require.EqualValues(t, len(payload), s.store.Stats().BytesUp)
}

func TestServeAnnounceRejected(t *testing.T) {
	relay := relaytest.New(t)
	relay.SetAnnounceStatus(http.StatusInternalServerError)
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	err := s.wait(t, 5*time.Second)
	var se *proto.StatusError
	require.ErrorAs(t, err, &se)

	// the local socket was closed without relaying anything
	_, rerr := s.local.Read(make([]byte, 1))
	require.ErrorIs(t, rerr, io.EOF)
	for _, r := range relay.Requests() {
		require.Equal(t, http.MethodPost, r.Method)
	}
	require.EqualValues(t, 1, s.store.Stats().Failures)
}

func TestServeRelayGone(t *testing.T) {
	relay := relaytest.New(t)
	relay.Script(relaytest.Data("bye"), relaytest.Step{Status: http.StatusGone})
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	require.NoError(t, s.local.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(s.local)
	require.NoError(t, err)
	require.Equal(t, "bye", string(got))
	require.NoError(t, s.wait(t, 5*time.Second))
	require.False(t, relay.Closed(onlySession(t, relay)))
}

func TestServePushRejected(t *testing.T) {
	relay := relaytest.New(t)
	relay.SetPushStatus(http.StatusBadGateway)
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	_, err := s.local.Write([]byte("data"))
	require.NoError(t, err)
	err = s.wait(t, 5*time.Second)
	require.ErrorContains(t, err, "upstream")
	var se *proto.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Code)
}

func TestServeFetchRetries(t *testing.T) {
	relay := relaytest.New(t)
	relay.DropFetches(2)
	relay.Script(relaytest.Data("OK"))
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	require.NoError(t, s.local.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 2)
	_, err := io.ReadFull(s.local, got)
	require.NoError(t, err)
	require.Equal(t, "OK", string(got))
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 5*time.Second))
}

func TestServeFetchFailureBudget(t *testing.T) {
	relay := relaytest.New(t)
	relay.DropFetches(1000)
	cfg := testConfig()
	cfg.MaxFetchFailures = 1
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), cfg)

	err := s.wait(t, 5*time.Second)
	require.ErrorContains(t, err, "fetch failed 2 times in a row")
	require.True(t, relay.Closed(onlySession(t, relay)))
}

func TestServeLocalCloseAbortsLongPoll(t *testing.T) {
	relay := relaytest.New(t)
	relay.Idle(http.StatusNoContent, 30*time.Second)
	before := activeSessions()
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	require.Eventually(t, func() bool { return fetches(relay) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, before+1, activeSessions())
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 2*time.Second))
	require.Equal(t, 1, relay.Count(onlySession(t, relay), http.MethodGet))
	require.Equal(t, before, activeSessions())
}

func TestServeFetchInterval(t *testing.T) {
	relay := relaytest.New(t)
	relay.Idle(http.StatusNoContent, 0)
	cfg := testConfig()
	cfg.FetchInterval = 50 * time.Millisecond
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), cfg)

	require.Eventually(t, func() bool { return fetches(relay) >= 4 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 2*time.Second))

	times := relay.Times(onlySession(t, relay), http.MethodGet)
	for i := 1; i < len(times); i++ {
		require.GreaterOrEqual(t, times[i].Sub(times[i-1]), 45*time.Millisecond, "fetch %d came too early", i)
	}
}

func TestServeFetchBackoffSurvivesOutage(t *testing.T) {
	relay := relaytest.New(t)
	relay.Script(relaytest.Data("OK"))
	relay.DropFetches(1 << 20)
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	require.Eventually(t, func() bool { return fetches(relay) >= 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	recovered := time.Now()
	relay.DropFetches(0)

	require.NoError(t, s.local.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 2)
	_, err := io.ReadFull(s.local, got)
	require.NoError(t, err)
	require.Equal(t, "OK", string(got))
	select {
	case err := <-s.done:
		t.Fatalf("session ended during the outage: %v", err)
	default:
	}
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 5*time.Second))

	var failed []time.Time
	for _, at := range relay.Times(onlySession(t, relay), http.MethodGet) {
		if at.Before(recovered) {
			failed = append(failed, at)
		}
	}
	require.GreaterOrEqual(t, len(failed), 2)
	require.LessOrEqual(t, len(failed), 12, "retries were not spread out")
	require.GreaterOrEqual(t, failed[len(failed)-1].Sub(failed[0]), 15*time.Millisecond)
}

func TestServeCountsActiveAfterAnnounce(t *testing.T) {
	before := activeSessions()
	during := make(chan float64, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case during <- activeSessions():
		default:
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s := serve(t, context.Background(), srv.Client(), srv.URL+"/tunnel", testConfig())

	var se *proto.StatusError
	require.ErrorAs(t, s.wait(t, 5*time.Second), &se)
	require.Equal(t, before, <-during)
	require.Equal(t, before, activeSessions())
}

// fetches counts GETs of the only announced session.
func fetches(relay *relaytest.Server) int {
	ids := relay.Sessions()
	if len(ids) != 1 {
		return 0
	}
	return relay.Count(ids[0], http.MethodGet)
}

func activeSessions() float64 {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return -1
	}
	for _, mf := range mfs {
		if mf.GetName() == "httptun_active_sessions" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func TestServeContextCancel(t *testing.T) {
	relay := relaytest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := serve(t, ctx, relay.HTTPServer().Client(), relay.BaseURL(), testConfig())

	require.Eventually(t, func() bool {
		ids := relay.Sessions()
		return len(ids) == 1 && relay.Count(ids[0], http.MethodGet) > 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.wait(t, 2*time.Second))
	require.True(t, relay.Closed(onlySession(t, relay)), "shutdown still closes the remote session")
}

func TestServeWithoutCloseSession(t *testing.T) {
	relay := relaytest.New(t)
	cfg := testConfig()
	cfg.CloseSession = false
	s := serve(t, context.Background(), relay.HTTPServer().Client(), relay.BaseURL(), cfg)

	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 5*time.Second))
	require.Zero(t, relay.Count(onlySession(t, relay), http.MethodDelete))
}

func TestServeOverTLS(t *testing.T) {
	relay := relaytest.NewTLS(t)
	relay.Script(relaytest.Data("secure"))
	ccfg := httpx.DefaultClientConfig()
	ccfg.Insecure = true
	client, err := httpx.NewClient(ccfg)
	require.NoError(t, err)
	s := serve(t, context.Background(), client, relay.BaseURL(), testConfig())

	require.NoError(t, s.local.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 6)
	_, err = io.ReadFull(s.local, got)
	require.NoError(t, err)
	require.Equal(t, "secure", string(got))
	require.NoError(t, s.local.Close())
	require.NoError(t, s.wait(t, 5*time.Second))
}

type dupStore struct {
	registry.Store
	rejects int
}

func (d *dupStore) Register(ctx context.Context, rec registry.Record) error {
	if d.rejects > 0 {
		d.rejects--
		return registry.ErrDuplicateSession
	}
	return d.Store.Register(ctx, rec)
}

func TestServeRetriesDuplicateID(t *testing.T) {
	relay := relaytest.New(t)
	store := &dupStore{Store: registry.NewMemoryStore(), rejects: 2}
	h := NewHandler(relay.HTTPServer().Client(), Args{ServerURL: relay.BaseURL(), Destination: destination}, testConfig(), store, nil)
	local, remote := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), remote) }()
	require.NoError(t, local.Close())
	require.NoError(t, <-done)
	require.Len(t, relay.Sessions(), 1)

	store.rejects = maxIDAttempts
	local, remote = net.Pipe()
	defer local.Close()
	err := h.Serve(context.Background(), remote)
	require.ErrorIs(t, err, registry.ErrDuplicateSession)
}
