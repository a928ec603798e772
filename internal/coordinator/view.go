// ABOUTME: Public JSON view of a task returned by every coordinator operation
// ABOUTME: Used by HTTP responses, gRPC messages and stream events alike

package coordinator

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-courier/internal/store"
)

// TaskView is the public shape of a task.
type TaskView struct {
	ID          string          `json:"id"`
	AssignerID  string          `json:"assigner_id"`
	AssigneeID  string          `json:"assignee_id"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	Error       json.RawMessage `json:"error"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   *time.Time      `json:"claimed_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	ExpiresAt   *time.Time      `json:"expires_at"`
}

var jsonNull = json.RawMessage("null")

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return jsonNull
	}
	return v
}

func viewOf(t *store.Task) *TaskView {
	return &TaskView{
		ID:          t.ID,
		AssignerID:  t.AssignerID,
		AssigneeID:  t.AssigneeID,
		TaskType:    t.TaskType,
		Payload:     orNull(t.Payload),
		Status:      string(t.Status),
		Result:      orNull(t.Result),
		Error:       orNull(t.Error),
		CreatedAt:   t.CreatedAt,
		ClaimedAt:   t.ClaimedAt,
		CompletedAt: t.CompletedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

func viewsOf(tasks []*store.Task) []*TaskView {
	views := make([]*TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = viewOf(t)
	}
	return views
}
