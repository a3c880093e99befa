package session

import (
	"testing"
	"time"

	"github.com/embedthis/webengine/pkg/hashutil"
)

func newTestStore(lifespan time.Duration, max int) *Store {
	cfg := DefaultConfig()
	cfg.Lifespan = lifespan
	cfg.MaxEntries = max
	return New(cfg, hashutil.Default{}, hashutil.Default{}, []byte("test-secret"))
}

func TestCreateGetDestroy(t *testing.T) {
	store := newTestStore(time.Minute, 0)
	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok := store.Get(sess.ID())
	if !ok || got != sess {
		t.Fatalf("expected to find created session")
	}
	store.Destroy(sess.ID())
	if _, ok := store.Get(sess.ID()); ok {
		t.Fatalf("expected session gone after Destroy")
	}
}

func TestCreateFailsWhenTableFull(t *testing.T) {
	store := newTestStore(time.Minute, 1)
	if _, err := store.Create(); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := store.Create(); err == nil {
		t.Fatalf("expected table-full error on second Create")
	}
}

func TestGetExpiredSessionNotReturned(t *testing.T) {
	store := newTestStore(-time.Second, 0)
	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := store.Get(sess.ID()); ok {
		t.Fatalf("expected expired session to be absent")
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	store := newTestStore(-time.Second, 0)
	if _, err := store.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := store.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if store.Count() != 0 {
		t.Fatalf("expected empty store after prune")
	}
}

func TestCookieHeaderRoundTrip(t *testing.T) {
	store := newTestStore(time.Minute, 0)
	sess, _ := store.Create()
	header := store.SetCookieHeader(sess)
	id := store.ParseCookieHeader("other=1; " + header)
	if id != sess.ID() {
		t.Fatalf("expected round-tripped id %q, got %q", sess.ID(), id)
	}
}

func TestXSRFTokenIssueAndVerify(t *testing.T) {
	store := newTestStore(time.Minute, 0)
	sess, _ := store.Create()
	tok := store.XSRFToken(sess)
	if tok == "" {
		t.Fatalf("expected non-empty token")
	}
	if !store.VerifyXSRF(sess, tok) {
		t.Fatalf("expected verification to succeed with matching token")
	}
}

func TestXSRFVerifyMismatchRotates(t *testing.T) {
	store := newTestStore(time.Minute, 0)
	sess, _ := store.Create()
	first := store.XSRFToken(sess)
	if store.VerifyXSRF(sess, "wrong") {
		t.Fatalf("expected verification to fail on mismatch")
	}
	rotated, _ := sess.GetVar(varXSRF)
	if rotated == first {
		t.Fatalf("expected token to rotate after failed verification")
	}
}
