package service

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestReconcileRunOnce_NoIssues(t *testing.T) {
	env := setupMediaEnv(t, envOptions{})
	ctx := context.Background()

	for i, size := range []int{20, 30, 40} {
		if _, err := env.svc.Intake(ctx, env.sess, writeImage(t, "img.png", size, size+i), true); err != nil {
			t.Fatalf("Intake: %v", err)
		}
	}
	if err := env.svc.Commit(ctx, env.sess); err != nil {
		t.Fatal(err)
	}

	rs := NewReconcileService(env.repo, env.store, time.Hour, testLogger())
	result, skipped := rs.RunOnce(ctx)
	if skipped {
		t.Fatal("Сверка пропущена")
	}
	if result.RecordsChecked != 3 || result.Summary.Ok != 3 || len(result.Issues) != 0 {
		t.Errorf("ожидалось 3 записи без проблем, получено %+v", result)
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Error("completed_at раньше started_at")
	}
}

func TestReconcileRunOnce_MissingMasterAndPendingPDF(t *testing.T) {
	env := setupMediaEnv(t, envOptions{})
	ctx := context.Background()

	res, err := env.svc.Intake(ctx, env.sess, writeImage(t, "photo.jpg", 50, 50), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Commit(ctx, env.sess); err != nil {
		t.Fatal(err)
	}
	pdf := intakePDF(t, env)

	if err := os.Remove(env.store.ResolveFullPath(res.Record.StoredPath)); err != nil {
		t.Fatal(err)
	}

	rs := NewReconcileService(env.repo, env.store, time.Hour, testLogger())
	result, _ := rs.RunOnce(ctx)

	if result.Summary.MissingMasters != 1 || result.Summary.PendingConversions != 1 || result.Summary.Ok != 0 {
		t.Fatalf("неожиданные итоги: %+v", result.Summary)
	}
	found := map[string]string{}
	for _, issue := range result.Issues {
		found[issue.Type] = issue.RecordID
	}
	if found[IssueMissingMaster] != res.Record.ID {
		t.Errorf("missing_master для %s, ожидалось %s", found[IssueMissingMaster], res.Record.ID)
	}
	if found[IssuePendingConversion] != pdf.ID {
		t.Errorf("pending_conversion для %s, ожидалось %s", found[IssuePendingConversion], pdf.ID)
	}
}

func TestReconcileRunOnce_Paging(t *testing.T) {
	env := setupMediaEnv(t, envOptions{})
	ctx := context.Background()

	const n = reconcilePageSize + 3
	for i := range n {
		data := []byte{byte(i), byte(i >> 8), 'r', 'a', 'w'}
		if _, err := env.svc.Intake(ctx, env.sess, writeBytes(t, "blob.bin", data), true); err != nil {
			t.Fatalf("Intake %d: %v", i, err)
		}
	}
	if err := env.svc.Commit(ctx, env.sess); err != nil {
		t.Fatal(err)
	}

	rs := NewReconcileService(env.repo, env.store, time.Hour, testLogger())
	result, _ := rs.RunOnce(ctx)
	if result.RecordsChecked != n {
		t.Errorf("проверено %d записей, ожидалось %d", result.RecordsChecked, n)
	}
}

func TestReconcileService_StartStop(t *testing.T) {
	env := setupMediaEnv(t, envOptions{})
	rs := NewReconcileService(env.repo, env.store, 10*time.Millisecond, testLogger())

	rs.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	rs.Stop()

	if rs.IsInProgress() {
		t.Error("после Stop сверка не должна выполняться")
	}
}
