package tasks

import "testing"

func TestRunMessageRoundTrip(t *testing.T) {
	m := NewRunMessage("task-1", "1850", "poll")
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := UnmarshalRunMessage(data)
	if err != nil {
		t.Fatalf("UnmarshalRunMessage failed: %v", err)
	}
	if got.TaskID != "task-1" || got.MentionID != "1850" || got.Trigger != "poll" {
		t.Errorf("got %+v", got)
	}
}

func TestUnmarshalRunMessageRequiresTaskID(t *testing.T) {
	if _, err := UnmarshalRunMessage([]byte(`{"mention_id":"1"}`)); err == nil {
		t.Error("expected error for missing task_id")
	}
	if _, err := UnmarshalRunMessage([]byte(`{`)); err == nil {
		t.Error("expected error for bad JSON")
	}
}
