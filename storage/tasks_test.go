package storage

import (
	"encoding/json"
	"strings"
	"testing"

	"collab-service/domain"
)

func TestTaskEntityDecodesWirePayload(t *testing.T) {
	raw := `{
		"odata.etag": "W/\"datetime'2026-08-01T10%3A00%3A00Z'\"",
		"PartitionKey": "team-1",
		"RowKey": "t1",
		"Title": "ship the relay",
		"Status": "in_progress",
		"PriorityScore": 7.5,
		"Insight": "{\"signal\":\"deadline\"}",
		"AssigneeId": "u2",
		"UpdatedBy": "u1",
		"UpdatedAt": "1724000000000",
		"UpdatedAt@odata.type": "Edm.Int64"
	}`

	var ent taskEntity
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if ent.ETag == "" {
		t.Fatal("expected the etag captured")
	}
	if ent.UpdatedAt != 1724000000000 {
		t.Fatalf("expected the typed timestamp decoded, got %d", ent.UpdatedAt)
	}

	rec := recordFromEntity(ent)
	if rec.ID != "t1" || rec.TeamID != "team-1" || rec.Status != domain.StatusInProgress {
		t.Fatalf("unexpected record keys: %+v", rec)
	}
	if rec.PriorityScore != 7.5 || rec.AssigneeID != "u2" || rec.UpdatedBy != "u1" {
		t.Fatalf("unexpected record fields: %+v", rec)
	}
	if string(rec.Insight) != `{"signal":"deadline"}` {
		t.Fatalf("expected the insight passed through verbatim, got %s", rec.Insight)
	}
}

func TestRecordFromEntityOmitsEmptyInsight(t *testing.T) {
	rec := recordFromEntity(taskEntity{PartitionKey: "team-1", RowKey: "t1", Status: domain.StatusTodo})
	if rec.Insight != nil {
		t.Fatalf("expected no insight bytes, got %q", rec.Insight)
	}
}

func TestStatusUpdateEncodesTypedTimestamp(t *testing.T) {
	payload, err := json.Marshal(statusUpdate{
		PartitionKey:  "team-1",
		RowKey:        "t1",
		Status:        domain.StatusDone,
		UpdatedBy:     "u1",
		UpdatedAt:     59_000,
		UpdatedAtType: edmInt64,
	})
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	s := string(payload)
	if !strings.Contains(s, `"UpdatedAt":"59000"`) {
		t.Fatalf("expected the timestamp encoded as a string, got %s", s)
	}
	if !strings.Contains(s, `"UpdatedAt@odata.type":"Edm.Int64"`) {
		t.Fatalf("expected the odata type annotation, got %s", s)
	}
	if strings.Contains(s, "odata.etag") {
		t.Fatalf("expected no etag in the update payload, got %s", s)
	}
}

func TestNextStampNeverGoesBackwards(t *testing.T) {
	if got := nextStamp(2_000, 1_000); got != 2_000 {
		t.Fatalf("expected the wall clock to win when ahead, got %d", got)
	}
	if got := nextStamp(1_000, 1_000); got != 1_001 {
		t.Fatalf("expected a bump past an equal stamp, got %d", got)
	}
	if got := nextStamp(500, 1_000); got != 1_001 {
		t.Fatalf("expected a bump past a future stamp, got %d", got)
	}
}
