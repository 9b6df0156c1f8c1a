package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/platform/testutil"
)

func TestQueuePushPullCompletion(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.New(context.Background(), tx)

	repo := NewRepo(db, testutil.Logger(t))

	job, err := repo.Push(dbc, PushInput{
		Workspace:   "w",
		Kind:        domain.JobKindScript,
		RunnableRef: "u/alice/add",
		Args:        datatypes.JSON([]byte(`{"a":1}`)),
		Tag:         "default",
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	pulled, err := repo.Pull(dbc, "worker-1", []string{"default"}, time.Minute)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if pulled == nil || pulled.ID != job.ID {
		t.Fatalf("Pull: expected %v got %v", job.ID, pulled)
	}
	if !pulled.Running {
		t.Fatalf("Pull: expected running=true")
	}

	again, err := repo.Pull(dbc, "worker-2", []string{"default"}, time.Minute)
	if err != nil {
		t.Fatalf("Pull #2: %v", err)
	}
	if again != nil {
		t.Fatalf("Pull #2: expected nil (already leased), got %v", again)
	}

	completed, err := repo.Complete(dbc, job.ID, datatypes.JSON([]byte(`{"sum":2}`)), nil, true, false, "", "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.ID != job.ID || !completed.Success {
		t.Fatalf("Complete: unexpected row %+v", completed)
	}

	if got, err := repo.GetByID(dbc, job.ID); err != nil || got != nil {
		t.Fatalf("GetByID after completion: expected nil, got %v err=%v", got, err)
	}
}

func TestQueueStaleRunningIsReclaimed(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.New(context.Background(), tx)
	repo := NewRepo(db, testutil.Logger(t))

	job, err := repo.Push(dbc, PushInput{Workspace: "w", Kind: domain.JobKindScript, Tag: "default"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := repo.Pull(dbc, "worker-1", []string{"default"}, time.Minute); err != nil {
		t.Fatalf("Pull #1: %v", err)
	}
	// Simulate a dead worker: last_ping far in the past.
	stale := time.Now().UTC().Add(-time.Hour)
	if err := repo.UpdatePatch(dbc, job.ID, map[string]interface{}{"last_ping": stale}); err != nil {
		t.Fatalf("UpdatePatch: %v", err)
	}

	reclaimed, err := repo.Pull(dbc, "worker-2", []string{"default"}, time.Minute)
	if err != nil {
		t.Fatalf("Pull #2: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected stale job reclaimed, got %v", reclaimed)
	}
}

func TestResumeConsumedInCreatedAtOrder(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.New(context.Background(), tx)
	repo := NewRepo(db, testutil.Logger(t))

	jobID := uuid.New()
	if _, err := repo.Resume(dbc, jobID, datatypes.JSON([]byte(`{"ok":true}`)), false, "alice"); err != nil {
		t.Fatalf("Resume #1: %v", err)
	}
	if _, err := repo.Resume(dbc, jobID, datatypes.JSON([]byte(`null`)), true, "bob"); err != nil {
		t.Fatalf("Resume cancel: %v", err)
	}

	msgs, err := repo.ResumeMessagesFor(dbc, jobID)
	if err != nil {
		t.Fatalf("ResumeMessagesFor: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 resume messages, got %d", len(msgs))
	}
	if msgs[0].Approver != "alice" || msgs[1].IsCancel != true {
		t.Fatalf("expected created_at ASC ordering, got %+v", msgs)
	}
}
