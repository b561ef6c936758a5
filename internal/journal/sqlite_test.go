package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-devmgr/migrations"
)

func openJournal(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLite(db.DB, nil)
}

func record(typ, node string, at time.Time) Record {
	return Record{ID: uuid.NewString(), Type: typ, Node: node, Time: at}
}

func TestSQLiteAppendAndList(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []Record{
		record("node.registered", "1.1", base),
		record("node.bound", "1.1", base.Add(time.Second)),
		record("node.registered", "2.1", base.Add(2*time.Second)),
		record("node.removed", "1.1", base.Add(3*time.Second)),
	}
	recs[1].Driver, recs[1].Confidence, recs[1].Cycle = "virtual/widget", 0.75, 3
	for _, r := range recs {
		if err := j.Append(ctx, r); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name    string
		query   Query
		wantIDs []string
	}{
		{name: "all newest first", query: Query{}, wantIDs: []string{recs[3].ID, recs[2].ID, recs[1].ID, recs[0].ID}},
		{name: "by node", query: Query{Node: "1.1"}, wantIDs: []string{recs[3].ID, recs[1].ID, recs[0].ID}},
		{name: "by type", query: Query{Type: "node.registered"}, wantIDs: []string{recs[2].ID, recs[0].ID}},
		{name: "since", query: Query{Since: base.Add(2 * time.Second)}, wantIDs: []string{recs[3].ID, recs[2].ID}},
		{name: "limit", query: Query{Limit: 1}, wantIDs: []string{recs[3].ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.List(ctx, tt.query)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("List() returned %d records, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	got, err := j.List(ctx, Query{Type: "node.bound"})
	if err != nil || len(got) != 1 {
		t.Fatalf("List(bound) = %v, %v", got, err)
	}
	if got[0].Driver != "virtual/widget" || got[0].Confidence != 0.75 || got[0].Cycle != 3 {
		t.Errorf("bound record = %+v", got[0])
	}
	if !got[0].Time.Equal(recs[1].Time) {
		t.Errorf("Time = %v, want %v", got[0].Time, recs[1].Time)
	}
}

func TestSQLiteAppendValidation(t *testing.T) {
	j := openJournal(t)
	if err := j.Append(context.Background(), Record{Type: "node.bound"}); err == nil {
		t.Error("Append() without id expected error")
	}
}

func TestSQLiteDuplicateIgnored(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	r := record("node.registered", "1.1", time.Now())
	for i := 0; i < 2; i++ {
		if err := j.Append(ctx, r); err != nil {
			t.Fatalf("Append() #%d error = %v", i, err)
		}
	}
	got, err := j.List(ctx, Query{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("List() = %d records, want 1", len(got))
	}
}

func TestSQLitePrune(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	now := time.Now()

	for _, r := range []Record{
		record("node.registered", "1.1", now.Add(-48*time.Hour)),
		record("node.registered", "2.1", now.Add(-time.Minute)),
	} {
		if err := j.Append(ctx, r); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := j.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() deleted %d, want 1", n)
	}
	if _, err := j.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) expected error")
	}
}

func TestSQLiteHandleEvent(t *testing.T) {
	j := openJournal(t)
	ev := device.Event{
		ID:     uuid.New(),
		Type:   device.EventRegistered,
		Node:   device.Handle{Index: 4, Generation: 2},
		Parent: device.Handle{Index: 1, Generation: 1},
		Module: "virtual/widget",
		State:  "registered",
		Time:   time.Now().UTC(),
	}
	j.HandleEvent(ev)

	got, err := j.List(context.Background(), Query{Node: "4.2"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List() = %d records, want 1", len(got))
	}
	if got[0].ID != ev.ID.String() || got[0].Parent != "1.1" || got[0].Module != "virtual/widget" {
		t.Errorf("record = %+v", got[0])
	}
	if j.Failed() != 0 {
		t.Errorf("Failed() = %d, want 0", j.Failed())
	}
}
