package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/policy"
)

func auditEntry(reason string) AuditEntry {
	return AuditEntry{
		Kind:     KindEvaluation,
		PolicyID: policy.NoPolicy,
		ToolName: "test",
		Outcome:  string(policy.ActionAllow),
		Reason:   reason,
	}
}

func TestAuditImmutability(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.AppendAudit(ctx, auditEntry("original")); err != nil {
		t.Fatalf("failed to log: %v", err)
	}

	_, err := store.db.ExecContext(ctx, "UPDATE audit_log SET reason = 'modified' WHERE id = 1")
	if err == nil {
		t.Error("expected UPDATE to fail, but it succeeded")
	} else if !strings.Contains(err.Error(), "not allowed") && !strings.Contains(err.Error(), "FAIL") {
		t.Errorf("expected trigger error, got: %v", err)
	}

	_, err = store.db.ExecContext(ctx, "DELETE FROM audit_log WHERE id = 1")
	if err == nil {
		t.Error("expected DELETE to fail, but it succeeded")
	} else if !strings.Contains(err.Error(), "not allowed") && !strings.Contains(err.Error(), "FAIL") {
		t.Errorf("expected trigger error, got: %v", err)
	}

	entries, _ := store.ListAudit(ctx, AuditFilter{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != "original" {
		t.Errorf("expected reason 'original', got '%s'", entries[0].Reason)
	}
}

func TestConcurrentAuditWrites(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()

	const numWrites = 20
	errChan := make(chan error, numWrites)

	for i := 0; i < numWrites; i++ {
		go func(id int) {
			time.Sleep(time.Duration(id) * time.Millisecond)
			errChan <- store.AppendAudit(ctx, auditEntry("concurrent test"))
		}(i)
	}

	timeout := time.After(10 * time.Second)
	for i := 0; i < numWrites; i++ {
		select {
		case err := <-errChan:
			if err != nil {
				t.Errorf("write failed: %v", err)
			}
		case <-timeout:
			t.Fatal("timeout waiting for concurrent writes")
		}
	}

	entries, err := store.ListAudit(ctx, AuditFilter{Limit: 100})
	if err != nil {
		t.Fatalf("failed to get entries: %v", err)
	}

	if len(entries) != numWrites {
		t.Errorf("expected %d entries, got %d", numWrites, len(entries))
	}
}

func TestGrantUpsert(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	grant := Grant{
		SessionID: "s", PolicyID: "p", Status: GrantApproved,
		RequestID: "first", ResolvedBy: "alice", ResolvedAt: time.Now(),
	}

	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	grant.RequestID = "second"
	grant.ResolvedBy = "bob"
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.FindGrant(ctx, "s", "p")
	if err != nil || got == nil {
		t.Fatalf("expected grant, got %v (err %v)", got, err)
	}
	if got.RequestID != "second" || got.ResolvedBy != "bob" {
		t.Errorf("expected upserted grant, got %+v", got)
	}
}

func TestPoliciesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/policies.db"

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.ReplacePolicies(context.Background(), testPolicies()); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	policies, err := second.Policies(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 3 || policies[0].ID != "deny-shell" {
		t.Errorf("unexpected policies after reopen: %+v", policies)
	}
}

func TestTimestampFormatRoundtrip(t *testing.T) {
	now := time.Now()
	parsed, err := parseTimestamp(formatTimestamp(now))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(now) {
		t.Errorf("expected %v, got %v", now, parsed)
	}

	if _, err := parseTimestamp("2024-01-02 03:04:05"); err != nil {
		t.Errorf("expected sqlite datetime fallback to parse: %v", err)
	}
}
