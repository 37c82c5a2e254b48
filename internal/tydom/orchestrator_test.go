package tydom

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tydom-go/internal/store"
)

// fakeConn records connect attempts and succeeds or fails per host.
type fakeConn struct {
	host      string
	mode      Mode
	fail      bool
	mu        sync.Mutex
	dials     *[]string
	msgs      chan []byte
	closeOnce sync.Once
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	*f.dials = append(*f.dials, f.mode.String()+":"+f.host)
	f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeConn) SendCommand(context.Context, Command) error { return nil }
func (f *fakeConn) Messages() <-chan []byte                    { return f.msgs }
func (f *fakeConn) Disconnect()                                { f.closeOnce.Do(func() { close(f.msgs) }) }

type fakeDiscoverer struct {
	candidates []Candidate
}

func (d *fakeDiscoverer) Discover(context.Context) ([]Candidate, error) {
	return d.candidates, nil
}

func newOrchestratorFixture(t *testing.T, reachable map[string]bool, candidates []Candidate) (*Orchestrator, *store.BoltStore, *[]string, *[]Decision) {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	dials := &[]string{}
	decisions := &[]Decision{}

	base := Config{MAC: "001A25AABBCC", Password: "pw", Timeout: time.Second}
	o := NewOrchestrator(base, st, &fakeDiscoverer{candidates: candidates}, nil, testLogger(),
		WithDial(func(cfg Config) GatewayConn {
			return &fakeConn{
				host:  cfg.Host,
				mode:  cfg.Mode,
				fail:  !reachable[cfg.Host],
				dials: dials,
				msgs:  make(chan []byte),
			}
		}),
		WithDecisionTrace(func(d Decision) {
			*decisions = append(*decisions, d)
		}),
	)
	return o, st, dials, decisions
}

func TestOrchestratorFailover(t *testing.T) {
	o, st, dials, _ := newOrchestratorFixture(t,
		map[string]bool{"10.0.0.5": true},
		[]Candidate{{Host: "10.0.0.5", Method: "mdns"}, {Host: "10.0.0.6", Method: "mdns"}},
	)
	st.SaveCredentials(&store.GatewayCredentials{
		MAC: "001A25AABBCC", Password: "pw", CachedLocalIP: "192.168.1.50",
	})

	conn, decision, err := o.Establish(context.Background(), OverrideNone)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Disconnect()

	if decision.Mode != ModeLocal || decision.Host != "10.0.0.5" {
		t.Errorf("decision = %+v", decision)
	}

	// Cached IP probed first, then the first discovered candidate, then the
	// real connect. 10.0.0.6 is never dialed.
	want := []string{"local:192.168.1.50", "local:10.0.0.5", "local:10.0.0.5"}
	if len(*dials) != len(want) {
		t.Fatalf("dials = %v", *dials)
	}
	for i := range want {
		if (*dials)[i] != want[i] {
			t.Errorf("dial %d = %q, want %q", i, (*dials)[i], want[i])
		}
	}

	// The winning host is persisted for the next run.
	creds, err := st.GetCredentials("001A25AABBCC")
	if err != nil {
		t.Fatal(err)
	}
	if creds.CachedLocalIP != "10.0.0.5" {
		t.Errorf("cached ip = %q, want 10.0.0.5", creds.CachedLocalIP)
	}
}

func TestOrchestratorCachedIPShortCircuits(t *testing.T) {
	o, st, dials, _ := newOrchestratorFixture(t,
		map[string]bool{"192.168.1.50": true},
		[]Candidate{{Host: "10.0.0.5", Method: "mdns"}},
	)
	st.SaveCredentials(&store.GatewayCredentials{
		MAC: "001A25AABBCC", Password: "pw", CachedLocalIP: "192.168.1.50",
	})

	conn, decision, err := o.Establish(context.Background(), OverrideNone)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Disconnect()

	if decision.Host != "192.168.1.50" {
		t.Errorf("decision = %+v", decision)
	}
	// Probe + connect only; discovery never runs.
	if len(*dials) != 2 {
		t.Errorf("dials = %v", *dials)
	}
}

func TestOrchestratorRemoteFallback(t *testing.T) {
	o, _, dials, decisions := newOrchestratorFixture(t,
		map[string]bool{DefaultRemoteHost: true},
		[]Candidate{{Host: "10.0.0.5", Method: "mdns"}},
	)

	conn, decision, err := o.Establish(context.Background(), OverrideNone)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Disconnect()

	if decision.Mode != ModeRemote || decision.Host != DefaultRemoteHost {
		t.Errorf("decision = %+v", decision)
	}
	last := (*dials)[len(*dials)-1]
	if last != "remote:"+DefaultRemoteHost {
		t.Errorf("last dial = %q", last)
	}
	if len(*decisions) == 0 {
		t.Error("no decision trace emitted")
	}
}

func TestOrchestratorForceRemote(t *testing.T) {
	o, st, dials, _ := newOrchestratorFixture(t,
		map[string]bool{"192.168.1.50": true, DefaultRemoteHost: true}, nil)
	st.SaveCredentials(&store.GatewayCredentials{
		MAC: "001A25AABBCC", Password: "pw", CachedLocalIP: "192.168.1.50",
	})

	conn, decision, err := o.Establish(context.Background(), ForceRemote)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Disconnect()

	if decision.Mode != ModeRemote {
		t.Errorf("decision = %+v", decision)
	}
	// The reachable cached IP is never touched.
	if len(*dials) != 1 || (*dials)[0] != "remote:"+DefaultRemoteHost {
		t.Errorf("dials = %v", *dials)
	}
}

func TestOrchestratorForceLocalNeverFallsBack(t *testing.T) {
	o, _, dials, _ := newOrchestratorFixture(t,
		map[string]bool{DefaultRemoteHost: true},
		[]Candidate{{Host: "10.0.0.5", Method: "mdns"}},
	)

	_, _, err := o.Establish(context.Background(), ForceLocal)
	if !errors.Is(err, ErrLocalUnavailable) {
		t.Fatalf("err = %v, want ErrLocalUnavailable", err)
	}
	for _, d := range *dials {
		if d == "remote:"+DefaultRemoteHost {
			t.Error("remote dialed under ForceLocal")
		}
	}
}

func TestOrchestratorTotalFailure(t *testing.T) {
	o, _, _, _ := newOrchestratorFixture(t, nil,
		[]Candidate{{Host: "10.0.0.5", Method: "mdns"}})

	_, _, err := o.Establish(context.Background(), OverrideNone)
	if !errors.Is(err, ErrLocalAndRemoteUnavailable) {
		t.Fatalf("err = %v, want ErrLocalAndRemoteUnavailable", err)
	}
}

func TestOrchestratorMissingCredentials(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	base := Config{MAC: "001A25AABBCC"} // no password, no cloud account
	o := NewOrchestrator(base, st, &fakeDiscoverer{}, nil, testLogger())

	_, _, err = o.Establish(context.Background(), OverrideNone)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestOrchestratorSeedsStoreFromDirectPassword(t *testing.T) {
	o, st, _, _ := newOrchestratorFixture(t,
		map[string]bool{DefaultRemoteHost: true}, nil)

	conn, _, err := o.Establish(context.Background(), ForceRemote)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Disconnect()

	creds, err := st.GetCredentials("001A25AABBCC")
	if err != nil {
		t.Fatal(err)
	}
	if creds.Password != "pw" {
		t.Errorf("password = %q", creds.Password)
	}
}
