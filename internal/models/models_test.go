package models

import (
	"testing"
	"time"
)

func TestKeyLayout(t *testing.T) {
	if got := PermanentKey("acct", "asset", 3); got != "acct/asset/3" {
		t.Fatalf("PermanentKey=%q", got)
	}
	if got := TempKey("s1", "a.png"); got != "tmp/s1/a.png" {
		t.Fatalf("TempKey=%q", got)
	}
	if got := TempKey("s1", ""); got != "tmp/s1" {
		t.Fatalf("TempKey empty=%q", got)
	}
	if got := PartKey("s1", 7); got != "tmp/s1/parts/000007" {
		t.Fatalf("PartKey=%q", got)
	}
	if v, ok := VersionFromKey("acct/asset/12"); !ok || v != 12 {
		t.Fatalf("VersionFromKey=%d,%v", v, ok)
	}
	if _, ok := VersionFromKey("tmp/s1/a.png"); ok {
		t.Fatalf("temp key must not parse as version")
	}
}

func TestResolveDedupScope(t *testing.T) {
	ws := "w1"
	if got := ResolveDedupScope(DedupIntraWorkspace, "a1", &ws); got.Key() != "ws:w1" {
		t.Fatalf("workspace scope key %q", got.Key())
	}
	if got := ResolveDedupScope(DedupIntraWorkspace, "a1", nil); got.Policy != DedupIntraAccount || got.Key() != "acct:a1" {
		t.Fatalf("fallback scope %+v", got)
	}
}

func TestPolicyAllowsAndTTL(t *testing.T) {
	p := AssetPolicy{AllowedContexts: []string{"preview:web"}, DefaultTTLSeconds: 3600, MaxTTLSeconds: 7200}
	if !p.Allows(AccessContext{Action: "preview", Channel: "web"}) {
		t.Fatalf("expected allow")
	}
	if p.Allows(AccessContext{Action: "download", Channel: "web"}) {
		t.Fatalf("expected deny")
	}
	if got := p.TTL(0); got != time.Hour {
		t.Fatalf("default ttl %v", got)
	}
	if got := p.TTL(99999); got != 2*time.Hour {
		t.Fatalf("clamped ttl %v", got)
	}
	wild := AssetPolicy{AllowedContexts: []string{WildcardContext}}
	if !wild.Allows(AccessContext{Action: "anything", Channel: "anywhere"}) {
		t.Fatalf("wildcard must allow")
	}
}

func TestSessionStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := UploadSession{Status: SessionActive, ExpiresAt: now}
	if !s.Stale(now) {
		t.Fatalf("session at deadline should be stale")
	}
	s.Status = SessionCommitted
	if s.Stale(now.Add(time.Hour)) {
		t.Fatalf("terminal session is never stale")
	}
}
