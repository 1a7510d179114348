package tasks

import (
	"testing"
	"time"
)

func TestIsOverdue(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		task Task
		want bool
	}{
		{"no due date", Task{Status: StatusTodo}, false},
		{"due in future", Task{Status: StatusTodo, DueDate: &future}, false},
		{"past due", Task{Status: StatusInProgress, DueDate: &past}, true},
		{"past due but done", Task{Status: StatusDone, DueDate: &past}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.task.IsOverdue(now); got != tc.want {
				t.Fatalf("IsOverdue = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterIncludes(t *testing.T) {
	alice := "u-alice"
	bob := "u-bob"
	high := PriorityHigh
	todo := StatusTodo

	task := Task{Status: StatusTodo, Priority: PriorityHigh, AssigneeID: &alice}

	if !(Filter{}).Includes(task) {
		t.Fatalf("empty filter excluded a task")
	}
	if !(Filter{Status: &todo, Priority: &high, AssigneeID: &alice}).Includes(task) {
		t.Fatalf("matching filter excluded the task")
	}
	if (Filter{AssigneeID: &bob}).Includes(task) {
		t.Fatalf("assignee mismatch included")
	}
	if (Filter{AssigneeID: &bob}).Includes(Task{Status: StatusTodo}) {
		t.Fatalf("unassigned task matched an assignee filter")
	}
}

func TestFilterQuery(t *testing.T) {
	high := PriorityHigh
	alice := "u-alice"

	q := Filter{Priority: &high, AssigneeID: &alice}.Query()
	if got := q.Get("priority"); got != "HIGH" {
		t.Fatalf("priority = %q", got)
	}
	if got := q.Get("assignee_id"); got != "u-alice" {
		t.Fatalf("assignee_id = %q", got)
	}
	if q.Has("status") {
		t.Fatalf("unset status rendered")
	}

	if len((Filter{}).Query()) != 0 {
		t.Fatalf("empty filter rendered parameters")
	}
}
