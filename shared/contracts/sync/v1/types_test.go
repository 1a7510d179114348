package v1

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid task event", Envelope{V: Version, Type: TypeTaskUpdated}, false},
		{"valid ping", Envelope{V: Version, Type: TypePing}, false},
		{"missing version", Envelope{Type: TypePing}, true},
		{"wrong version", Envelope{V: "v2", Type: TypePing}, true},
		{"missing type", Envelope{V: Version}, true},
		{"unknown type", Envelope{V: Version, Type: "task_exploded"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeIsTaskEvent(t *testing.T) {
	for _, typ := range []string{TypeTaskCreated, TypeTaskUpdated, TypeTaskAssigned, TypeTaskDeleted} {
		if !(Envelope{V: Version, Type: typ}).IsTaskEvent() {
			t.Fatalf("%s not recognized as task event", typ)
		}
	}
	for _, typ := range []string{TypePing, TypeError} {
		if (Envelope{V: Version, Type: typ}).IsTaskEvent() {
			t.Fatalf("%s recognized as task event", typ)
		}
	}
}

func TestTaskEventPayloadValidate(t *testing.T) {
	if err := (TaskEventPayload{TaskID: "t1", Version: 1}).Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := (TaskEventPayload{Version: 1}).Validate(); err == nil {
		t.Fatalf("missing task_id accepted")
	}
	if err := (TaskEventPayload{TaskID: "t1"}).Validate(); err == nil {
		t.Fatalf("zero version accepted")
	}
}

func TestEnvelopeDecode(t *testing.T) {
	raw := []byte(`{"v":"v1","type":"task_updated","id":"ev-1","ts":"2026-01-02T03:04:05Z","payload":{"task_id":"t1","version":4,"task":{"id":"t1","title":"x","status":"TODO","priority":"HIGH","creator_id":"u1","version":4,"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-02T00:00:00Z"}}}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	var p TaskEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.TaskID != "t1" || p.Version != 4 {
		t.Fatalf("payload = %+v", p)
	}
	if p.Task == nil || p.Task.Priority != "HIGH" {
		t.Fatalf("snapshot = %+v", p.Task)
	}
}
