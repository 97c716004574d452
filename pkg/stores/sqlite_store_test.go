package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestBox(t *testing.T, store *SQLiteStore, id string) *Box {
	t.Helper()

	box := &Box{
		ID:     id,
		Name:   id + "-name",
		UserID: "user-1",
	}
	if err := store.CreateBox(context.Background(), box); err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	return box
}

func defaultStepConfig() StepConfig {
	return StepConfig{
		Phases: []string{"create-instance", "setup-services", "install-add-ons", "enable-public-access", "health-check"},
		Substeps: map[string][]string{
			"setup-services":  {"fetch-runtime", "prepare-directories", "write-environment", "register-service"},
			"install-add-ons": {"addon-a", "addon-b"},
		},
	}
}

func TestBoxLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-1")

	box, err := store.GetBox(ctx, "box-1")
	if err != nil {
		t.Fatalf("failed to get box: %v", err)
	}
	if box.Status != BoxStatusPending {
		t.Errorf("expected status pending, got %s", box.Status)
	}
	if box.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", box.Attempt)
	}

	if err := store.SetBoxDeploying(ctx, "box-1", 1); err != nil {
		t.Fatalf("failed to set deploying: %v", err)
	}
	if err := store.SetBoxInstance(ctx, "box-1", "inst-42", "https://box-1.example.com"); err != nil {
		t.Fatalf("failed to set instance: %v", err)
	}

	box, _ = store.GetBox(ctx, "box-1")
	if box.InstanceIdentity == nil || *box.InstanceIdentity != "inst-42" {
		t.Errorf("expected instance identity inst-42, got %v", box.InstanceIdentity)
	}

	if err := store.MarkBoxRunning(ctx, "box-1"); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	box, _ = store.GetBox(ctx, "box-1")
	if box.Status != BoxStatusRunning {
		t.Errorf("expected status running, got %s", box.Status)
	}

	if err := store.MarkBoxDeleted(ctx, "box-1"); err != nil {
		t.Fatalf("failed to mark deleted: %v", err)
	}
	box, _ = store.GetBox(ctx, "box-1")
	if box.Status != BoxStatusDeleted {
		t.Errorf("expected status deleted, got %s", box.Status)
	}
	if box.DeletedAt == nil {
		t.Error("expected deleted_at to be set")
	}
}

func TestBoxErrorState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-err")

	if err := store.SetBoxError(ctx, "box-err", "instance creation failed"); err != nil {
		t.Fatalf("failed to set error: %v", err)
	}

	box, _ := store.GetBox(ctx, "box-err")
	if box.Status != BoxStatusError {
		t.Errorf("expected status error, got %s", box.Status)
	}
	if box.ErrorMessage == nil || *box.ErrorMessage != "instance creation failed" {
		t.Errorf("unexpected error message: %v", box.ErrorMessage)
	}

	// Running clears the error message.
	if err := store.MarkBoxRunning(ctx, "box-err"); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	box, _ = store.GetBox(ctx, "box-err")
	if box.ErrorMessage != nil {
		t.Errorf("expected error message cleared, got %v", *box.ErrorMessage)
	}
}

func TestBoxNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetBox(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	err = store.SetBoxError(context.Background(), "missing", "boom")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestInitializeSteps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-steps")

	steps, err := store.InitializeSteps(ctx, "box-steps", 1, defaultStepConfig())
	if err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	if len(steps) != 5 {
		t.Fatalf("expected 5 top-level phases, got %d", len(steps))
	}
	if len(steps[1].Children) != 4 {
		t.Errorf("expected 4 setup substeps, got %d", len(steps[1].Children))
	}
	if len(steps[2].Children) != 2 {
		t.Errorf("expected 2 add-on substeps, got %d", len(steps[2].Children))
	}

	tree, err := store.GetStepsTree(ctx, "box-steps", 1)
	if err != nil {
		t.Fatalf("failed to get steps tree: %v", err)
	}
	if len(tree) != 5 {
		t.Fatalf("expected 5 top-level steps in tree, got %d", len(tree))
	}
	for _, step := range tree {
		if step.Status != StepStatusPending {
			t.Errorf("step %s: expected pending, got %s", step.Key, step.Status)
		}
	}

	// Substeps keep their declared order.
	setup := tree[1]
	want := []string{"fetch-runtime", "prepare-directories", "write-environment", "register-service"}
	for i, sub := range setup.Children {
		if sub.Key != want[i] {
			t.Errorf("substep %d: expected %s, got %s", i, want[i], sub.Key)
		}
	}
}

func TestUpdateStepStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-upd")
	if _, err := store.InitializeSteps(ctx, "box-upd", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	if err := store.UpdateStepStatus(ctx, "box-upd", 1, "create-instance", StepStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	step, err := store.GetStep(ctx, "box-upd", 1, "create-instance")
	if err != nil {
		t.Fatalf("failed to get step: %v", err)
	}
	if step.StartedAt == nil {
		t.Error("expected started_at to be set on running")
	}
	if step.CompletedAt != nil {
		t.Error("expected completed_at unset while running")
	}

	if err := store.UpdateStepStatus(ctx, "box-upd", 1, "create-instance", StepStatusCompleted, &StepUpdate{
		Metadata: map[string]any{"identity": "inst-1"},
	}); err != nil {
		t.Fatalf("failed to complete step: %v", err)
	}

	step, _ = store.GetStep(ctx, "box-upd", 1, "create-instance")
	if step.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if step.Metadata["identity"] != "inst-1" {
		t.Errorf("expected metadata identity inst-1, got %v", step.Metadata["identity"])
	}
}

func TestUpdateStepStatusTerminalIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-idem")
	if _, err := store.InitializeSteps(ctx, "box-idem", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	if err := store.UpdateStepStatus(ctx, "box-idem", 1, "health-check", StepStatusCompleted, nil); err != nil {
		t.Fatalf("failed to complete step: %v", err)
	}
	first, _ := store.GetStep(ctx, "box-idem", 1, "health-check")

	time.Sleep(10 * time.Millisecond)

	// Repeating the same terminal status must not move completed_at.
	if err := store.UpdateStepStatus(ctx, "box-idem", 1, "health-check", StepStatusCompleted, nil); err != nil {
		t.Fatalf("repeat terminal update failed: %v", err)
	}
	second, _ := store.GetStep(ctx, "box-idem", 1, "health-check")
	if !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Errorf("completed_at changed on repeated terminal update: %v vs %v", first.CompletedAt, second.CompletedAt)
	}

	// A different status out of a terminal state is rejected.
	err := store.UpdateStepStatus(ctx, "box-idem", 1, "health-check", StepStatusRunning, nil)
	if !errors.Is(err, ErrTerminalStep) {
		t.Errorf("expected ErrTerminalStep, got %v", err)
	}
}

func TestUpdateStepStatusNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-nf")
	if _, err := store.InitializeSteps(ctx, "box-nf", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	err := store.UpdateStepStatus(ctx, "box-nf", 1, "no-such-step", StepStatusRunning, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Parent filter narrows the match.
	err = store.UpdateStepStatus(ctx, "box-nf", 1, "addon-a", StepStatusCompleted, &StepUpdate{ParentKey: "setup-services"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound under wrong parent, got %v", err)
	}
	if err := store.UpdateStepStatus(ctx, "box-nf", 1, "addon-a", StepStatusCompleted, &StepUpdate{ParentKey: "install-add-ons"}); err != nil {
		t.Errorf("expected success under correct parent, got %v", err)
	}
}

func TestStepMetadataMerge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-meta")
	if _, err := store.InitializeSteps(ctx, "box-meta", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	if err := store.UpdateStepStatus(ctx, "box-meta", 1, "install-add-ons", StepStatusRunning, &StepUpdate{
		Metadata: map[string]any{"requested": float64(2)},
	}); err != nil {
		t.Fatalf("failed first update: %v", err)
	}
	if err := store.UpdateStepStatus(ctx, "box-meta", 1, "install-add-ons", StepStatusCompleted, &StepUpdate{
		Metadata: map[string]any{"succeeded": float64(1), "failed": float64(0)},
	}); err != nil {
		t.Fatalf("failed second update: %v", err)
	}

	step, _ := store.GetStep(ctx, "box-meta", 1, "install-add-ons")
	if step.Metadata["requested"] != float64(2) {
		t.Errorf("expected earlier metadata preserved, got %v", step.Metadata)
	}
	if step.Metadata["succeeded"] != float64(1) {
		t.Errorf("expected merged metadata, got %v", step.Metadata)
	}
}

func TestGetResumePoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-resume")
	if _, err := store.InitializeSteps(ctx, "box-resume", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	// All pending: earliest-ordered pending step wins.
	point, err := store.GetResumePoint(ctx, "box-resume", 1)
	if err != nil {
		t.Fatalf("failed to get resume point: %v", err)
	}
	if point == nil || point.Key != "create-instance" {
		t.Fatalf("expected create-instance, got %+v", point)
	}

	// Mark later steps terminal out of order, fail one in the middle.
	for _, key := range []string{"create-instance", "fetch-runtime", "prepare-directories"} {
		if err := store.UpdateStepStatus(ctx, "box-resume", 1, key, StepStatusCompleted, nil); err != nil {
			t.Fatalf("failed to complete %s: %v", key, err)
		}
	}
	if err := store.UpdateStepStatus(ctx, "box-resume", 1, "write-environment", StepStatusFailed, &StepUpdate{
		ErrorMessage: "disk full",
	}); err != nil {
		t.Fatalf("failed to fail step: %v", err)
	}

	point, err = store.GetResumePoint(ctx, "box-resume", 1)
	if err != nil {
		t.Fatalf("failed to get resume point: %v", err)
	}
	if point == nil || point.Key != "write-environment" {
		t.Fatalf("expected failed step write-environment, got %+v", point)
	}
	if point.Status != StepStatusFailed {
		t.Errorf("expected failed status, got %s", point.Status)
	}
}

func TestGetResumePointResolved(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-done")
	cfg := StepConfig{Phases: []string{"create-instance", "health-check"}}
	if _, err := store.InitializeSteps(ctx, "box-done", 1, cfg); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	for _, key := range cfg.Phases {
		if err := store.UpdateStepStatus(ctx, "box-done", 1, key, StepStatusCompleted, nil); err != nil {
			t.Fatalf("failed to complete %s: %v", key, err)
		}
	}

	point, err := store.GetResumePoint(ctx, "box-done", 1)
	if err != nil {
		t.Fatalf("failed to get resume point: %v", err)
	}
	if point != nil {
		t.Errorf("expected nil resume point for resolved attempt, got %+v", point)
	}
}

func TestResetFailedSteps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-reset")
	if _, err := store.InitializeSteps(ctx, "box-reset", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	_ = store.UpdateStepStatus(ctx, "box-reset", 1, "create-instance", StepStatusCompleted, nil)
	_ = store.UpdateStepStatus(ctx, "box-reset", 1, "fetch-runtime", StepStatusFailed, &StepUpdate{ErrorMessage: "timeout"})
	_ = store.UpdateStepStatus(ctx, "box-reset", 1, "addon-a", StepStatusFailed, &StepUpdate{ErrorMessage: "bad source"})

	count, err := store.ResetFailedSteps(ctx, "box-reset", 1)
	if err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows reset, got %d", count)
	}

	step, _ := store.GetStep(ctx, "box-reset", 1, "fetch-runtime")
	if step.Status != StepStatusPending {
		t.Errorf("expected pending after reset, got %s", step.Status)
	}
	if step.StartedAt != nil || step.CompletedAt != nil || step.ErrorMessage != nil {
		t.Error("expected timestamps and error cleared after reset")
	}

	// Completed rows are untouched.
	done, _ := store.GetStep(ctx, "box-reset", 1, "create-instance")
	if done.Status != StepStatusCompleted {
		t.Errorf("expected completed step untouched, got %s", done.Status)
	}
}

func TestAttemptsAreIndependent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-att")
	cfg := StepConfig{Phases: []string{"create-instance", "health-check"}}

	if _, err := store.InitializeSteps(ctx, "box-att", 1, cfg); err != nil {
		t.Fatalf("failed to initialize attempt 1: %v", err)
	}
	_ = store.UpdateStepStatus(ctx, "box-att", 1, "create-instance", StepStatusFailed, &StepUpdate{ErrorMessage: "boom"})

	// A new attempt is a fresh coordinate space.
	if _, err := store.InitializeSteps(ctx, "box-att", 2, cfg); err != nil {
		t.Fatalf("failed to initialize attempt 2: %v", err)
	}

	point, _ := store.GetResumePoint(ctx, "box-att", 2)
	if point == nil || point.Key != "create-instance" || point.Status != StepStatusPending {
		t.Errorf("expected fresh pending step in attempt 2, got %+v", point)
	}

	// Attempt 1 records remain for forensics.
	old, _ := store.GetStep(ctx, "box-att", 1, "create-instance")
	if old.Status != StepStatusFailed {
		t.Errorf("expected attempt 1 step still failed, got %s", old.Status)
	}
}

func TestCompletedStepKeys(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBox(t, store, "box-keys")
	if _, err := store.InitializeSteps(ctx, "box-keys", 1, defaultStepConfig()); err != nil {
		t.Fatalf("failed to initialize steps: %v", err)
	}

	_ = store.UpdateStepStatus(ctx, "box-keys", 1, "create-instance", StepStatusCompleted, nil)
	_ = store.UpdateStepStatus(ctx, "box-keys", 1, "fetch-runtime", StepStatusCompleted, nil)

	keys, err := store.CompletedStepKeys(ctx, "box-keys", 1)
	if err != nil {
		t.Fatalf("failed to get completed keys: %v", err)
	}
	if len(keys) != 2 || !keys["create-instance"] || !keys["fetch-runtime"] {
		t.Errorf("unexpected completed keys: %v", keys)
	}
}
