package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbox/agentbox/pkg/flowq"
	"github.com/agentbox/agentbox/pkg/provision"
	"github.com/agentbox/agentbox/pkg/stores"
	"github.com/agentbox/agentbox/pkg/telemetry"
)

// fakeBackend is an in-memory provisioning backend.
type fakeBackend struct {
	mu       sync.Mutex
	created  int
	commands []string
	files    map[string][]byte
	exposure provision.Exposure
	probes   int
	healthy  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: make(map[string][]byte), healthy: true}
}

func (b *fakeBackend) CreateInstance(_ context.Context, spec provision.InstanceSpec) (provision.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	return provision.Instance{
		Identity: fmt.Sprintf("inst-%d", b.created),
		URL:      fmt.Sprintf("https://%s.example.com", spec.Name),
	}, nil
}

func (b *fakeBackend) RunCommand(_ context.Context, _, cmd string) (provision.CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	return provision.CommandResult{}, nil
}

func (b *fakeBackend) WriteFile(_ context.Context, _, path string, content []byte, _ provision.WriteOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[path] = content
	return nil
}

func (b *fakeBackend) ListDir(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (b *fakeBackend) SetNetworkExposure(_ context.Context, _ string, exposure provision.Exposure) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exposure = exposure
	return nil
}

func (b *fakeBackend) CheckHealth(_ context.Context, _, _ string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes++
	return b.healthy, nil
}

func (b *fakeBackend) DeleteInstance(_ context.Context, _ string) error {
	return nil
}

func (b *fakeBackend) setHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

func (b *fakeBackend) createdCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// fakeSecrets resolves a fixed secret set.
type fakeSecrets struct{}

func (fakeSecrets) ResolveSecrets(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{"API_KEY": "secret-key"}, nil
}

// fakeRegistry resolves add-on metadata from a fixed map. Ids absent
// from sources fail resolution; ids in contentErr fail content fetch.
type fakeRegistry struct {
	sources    map[string]string
	contentErr map[string]bool
}

func (r *fakeRegistry) FetchAddonMetadata(_ context.Context, id string) (provision.AddonMetadata, error) {
	source, ok := r.sources[id]
	if !ok {
		return provision.AddonMetadata{}, fmt.Errorf("unknown add-on %s", id)
	}
	return provision.AddonMetadata{ID: id, Source: source}, nil
}

func (r *fakeRegistry) FetchAddonContent(_ context.Context, _, id string) (string, error) {
	if r.contentErr[id] {
		return "", fmt.Errorf("content unavailable for %s", id)
	}
	return "content of " + id, nil
}

type testEnv struct {
	store   *stores.SQLiteStore
	backend *fakeBackend
	engine  *flowq.Engine
	orch    *Orchestrator
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		SetupAttempts: 2, SetupBackoff: time.Millisecond,
		AddonAttempts: 2, AddonBackoff: time.Millisecond,
		AccessAttempts: 2, AccessBackoff: time.Millisecond,
		HealthAttempts: 2, HealthBackoff: time.Millisecond,
	}
}

func newTestEnv(t *testing.T, backend *fakeBackend, registry *fakeRegistry) *testEnv {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
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

	recorder := telemetry.NewRecorder(zerolog.Nop(), nil)
	engine := flowq.NewEngine(zerolog.Nop())

	workers := NewWorkers(store, backend, registry, recorder, zerolog.Nop())
	if err := workers.Register(engine, DefaultQueueConcurrency()); err != nil {
		t.Fatalf("failed to register workers: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(engine.Stop)

	orch := NewOrchestrator(store, backend, fakeSecrets{}, registry, engine, recorder,
		zerolog.Nop(), testRetryPolicy(), "https://control.example.com")

	return &testEnv{store: store, backend: backend, engine: engine, orch: orch}
}

func (env *testEnv) createBox(t *testing.T, id string) *stores.Box {
	t.Helper()

	box := &stores.Box{ID: id, Name: id, UserID: "user-1"}
	if err := env.store.CreateBox(context.Background(), box); err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	return box
}

func (env *testEnv) deployAndWait(t *testing.T, req DeployRequest) error {
	t.Helper()

	handle, err := env.orch.Deploy(context.Background(), req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

// stepsByKey flattens the step tree into a key-indexed map. Substep
// keys are unique per tree in these tests.
func stepsByKey(t *testing.T, env *testEnv, boxID string, attempt int) map[string]*stores.DeployStep {
	t.Helper()

	tree, err := env.store.GetStepsTree(context.Background(), boxID, attempt)
	if err != nil {
		t.Fatalf("failed to load step tree: %v", err)
	}

	out := make(map[string]*stores.DeployStep)
	var walk func(steps []*stores.DeployStep)
	walk = func(steps []*stores.DeployStep) {
		for _, s := range steps {
			out[s.Key] = s
			walk(s.Children)
		}
	}
	walk(tree)
	return out
}

// metaInt reads an integer out of a metadata bag that went through a
// JSON round trip.
func metaInt(t *testing.T, meta map[string]any, key string) int {
	t.Helper()

	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		t.Fatalf("metadata %s has unexpected type %T", key, meta[key])
		return 0
	}
}

func TestDeployHappyPathWithSkippedAddon(t *testing.T) {
	backend := newFakeBackend()
	registry := &fakeRegistry{sources: map[string]string{"notes": "registry/notes"}}
	env := newTestEnv(t, backend, registry)
	env.createBox(t, "box-1")

	req := DeployRequest{
		BoxID:  "box-1",
		Addons: []string{"notes", "ghost"},
		Assets: map[string]string{"runtime": "https://assets.example.com/agentd"},
	}
	if err := env.deployAndWait(t, req); err != nil {
		t.Fatalf("deployment failed: %v", err)
	}

	box, err := env.store.GetBox(context.Background(), "box-1")
	if err != nil {
		t.Fatalf("failed to load box: %v", err)
	}
	if box.Status != stores.BoxStatusRunning {
		t.Errorf("expected box running, got %s", box.Status)
	}
	if box.InstanceIdentity == nil || *box.InstanceIdentity != "inst-1" {
		t.Errorf("expected instance recorded on box, got %v", box.InstanceIdentity)
	}

	steps := stepsByKey(t, env, "box-1", 1)

	for _, key := range []string{StepCreateInstance, StepSetupServices, StepInstallAddons, StepEnableAccess, StepHealthCheck} {
		if steps[key] == nil {
			t.Fatalf("missing step %s", key)
		}
		if steps[key].Status != stores.StepStatusCompleted {
			t.Errorf("expected %s completed, got %s", key, steps[key].Status)
		}
	}
	for _, key := range SetupSubsteps {
		if steps[key].Status != stores.StepStatusCompleted {
			t.Errorf("expected substep %s completed, got %s", key, steps[key].Status)
		}
	}

	if steps["notes"].Status != stores.StepStatusCompleted {
		t.Errorf("expected notes completed, got %s", steps["notes"].Status)
	}
	if steps["ghost"].Status != stores.StepStatusSkipped {
		t.Errorf("expected ghost skipped, got %s", steps["ghost"].Status)
	}

	meta := steps[StepInstallAddons].Metadata
	if metaInt(t, meta, "succeeded") != 1 || metaInt(t, meta, "failed") != 0 {
		t.Errorf("unexpected add-on summary: %v", meta)
	}

	if backend.exposure != provision.ExposurePublic {
		t.Errorf("expected public exposure, got %s", backend.exposure)
	}
	if _, ok := backend.files["/opt/agentbox/addons/notes.md"]; !ok {
		t.Error("expected notes add-on content written to instance")
	}
	envFile, ok := backend.files["/opt/agentbox/env"]
	if !ok {
		t.Fatal("expected environment file written to instance")
	}
	for _, want := range []string{"API_KEY=secret-key", "AGENTBOX_BOX_ID=box-1", "AGENTBOX_TOKEN=", "AGENTBOX_CALLBACK_URL="} {
		if !strings.Contains(string(envFile), want) {
			t.Errorf("environment file missing %s:\n%s", want, envFile)
		}
	}
}

func TestFailedAddonIsToleratedAndCounted(t *testing.T) {
	backend := newFakeBackend()
	registry := &fakeRegistry{
		sources:    map[string]string{"notes": "registry/notes", "bad": "registry/bad"},
		contentErr: map[string]bool{"bad": true},
	}
	env := newTestEnv(t, backend, registry)
	env.createBox(t, "box-1")

	req := DeployRequest{
		BoxID:  "box-1",
		Addons: []string{"notes", "bad"},
		Assets: map[string]string{"runtime": "https://assets.example.com/agentd"},
	}
	if err := env.deployAndWait(t, req); err != nil {
		t.Fatalf("expected tolerated add-on failure, deployment failed: %v", err)
	}

	box, _ := env.store.GetBox(context.Background(), "box-1")
	if box.Status != stores.BoxStatusRunning {
		t.Errorf("expected box running despite add-on failure, got %s", box.Status)
	}

	steps := stepsByKey(t, env, "box-1", 1)
	if steps["bad"].Status != stores.StepStatusFailed {
		t.Errorf("expected bad add-on failed, got %s", steps["bad"].Status)
	}
	if steps["bad"].ErrorMessage == nil {
		t.Error("expected error message on failed add-on")
	}
	if steps[StepInstallAddons].Status != stores.StepStatusCompleted {
		t.Errorf("expected install-add-ons completed, got %s", steps[StepInstallAddons].Status)
	}

	meta := steps[StepInstallAddons].Metadata
	if metaInt(t, meta, "succeeded") != 1 || metaInt(t, meta, "failed") != 1 {
		t.Errorf("unexpected add-on summary: %v", meta)
	}
}

func TestHealthCheckExhaustionFailsBox(t *testing.T) {
	backend := newFakeBackend()
	backend.setHealthy(false)
	env := newTestEnv(t, backend, &fakeRegistry{})
	env.createBox(t, "box-1")

	req := DeployRequest{
		BoxID:  "box-1",
		Assets: map[string]string{"runtime": "https://assets.example.com/agentd"},
	}
	err := env.deployAndWait(t, req)
	if err == nil {
		t.Fatal("expected deployment failure")
	}

	box, _ := env.store.GetBox(context.Background(), "box-1")
	if box.Status != stores.BoxStatusError {
		t.Errorf("expected box errored, got %s", box.Status)
	}
	if box.ErrorMessage == nil || !strings.Contains(*box.ErrorMessage, "not healthy") {
		t.Errorf("expected health failure message, got %v", box.ErrorMessage)
	}

	steps := stepsByKey(t, env, "box-1", 1)
	if steps[StepHealthCheck].Status != stores.StepStatusFailed {
		t.Errorf("expected health-check failed, got %s", steps[StepHealthCheck].Status)
	}
	// Finalize never ran: the box never reached running.
	if box.Status == stores.BoxStatusRunning {
		t.Error("box must not reach running after health exhaustion")
	}
}

func TestRetryResumesWithoutRecreatingInstance(t *testing.T) {
	backend := newFakeBackend()
	backend.setHealthy(false)
	env := newTestEnv(t, backend, &fakeRegistry{})
	env.createBox(t, "box-1")

	req := DeployRequest{
		BoxID:  "box-1",
		Assets: map[string]string{"runtime": "https://assets.example.com/agentd"},
	}
	if err := env.deployAndWait(t, req); err == nil {
		t.Fatal("expected first deployment to fail")
	}

	backend.setHealthy(true)

	handle, err := env.orch.Retry(context.Background(), req, false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("retried deployment failed: %v", err)
	}

	box, _ := env.store.GetBox(context.Background(), "box-1")
	if box.Status != stores.BoxStatusRunning {
		t.Errorf("expected box running after retry, got %s", box.Status)
	}
	if got := backend.createdCount(); got != 1 {
		t.Errorf("expected instance reused, got %d creations", got)
	}

	steps := stepsByKey(t, env, "box-1", 1)
	if steps[StepHealthCheck].Status != stores.StepStatusCompleted {
		t.Errorf("expected health-check completed after retry, got %s", steps[StepHealthCheck].Status)
	}
}

func TestDeployUnknownBoxFails(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), &fakeRegistry{})

	_, err := env.orch.Deploy(context.Background(), DeployRequest{BoxID: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown box")
	}
	if !IsPermanentClass(err) {
		t.Errorf("expected permanent classification, got %v", err)
	}
}

func TestDeleteReleasesInstance(t *testing.T) {
	backend := newFakeBackend()
	env := newTestEnv(t, backend, &fakeRegistry{})
	env.createBox(t, "box-1")

	req := DeployRequest{
		BoxID:  "box-1",
		Assets: map[string]string{"runtime": "https://assets.example.com/agentd"},
	}
	if err := env.deployAndWait(t, req); err != nil {
		t.Fatalf("deployment failed: %v", err)
	}

	if err := env.orch.Delete(context.Background(), "box-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	box, _ := env.store.GetBox(context.Background(), "box-1")
	if box.Status != stores.BoxStatusDeleted {
		t.Errorf("expected box deleted, got %s", box.Status)
	}
}
