package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"listkeeper/internal/config"
	"listkeeper/internal/db"
	"listkeeper/internal/domain"
	"listkeeper/internal/engine"
	"listkeeper/internal/logging"
	"listkeeper/internal/migrate"
	"listkeeper/internal/repo"
	"listkeeper/internal/storage"
)

type testEnv struct {
	Engine engine.Engine
	Store  *storage.SQLiteStore
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewSQLiteStore(conn)
	store.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, store, config.Default("catalog-1"), logging.Discard())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Store: store, Ctx: context.Background()}
}

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

func (env testEnv) seed(t *testing.T, props ...domain.PropertyRecord) {
	t.Helper()
	for _, p := range props {
		if err := env.Store.InsertProperty(env.Ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}
}

func cleanProperty(id, name string) domain.PropertyRecord {
	return domain.PropertyRecord{
		ID:           id,
		Name:         name,
		Street:       "400 Oak St",
		City:         "Austin",
		State:        "tx",
		PropertyType: "Multifamily",
		Status:       "Active",
		Price:        fptr(2_000_000),
		Units:        iptr(40),
	}
}

func testProperty(id string) domain.PropertyRecord {
	return domain.PropertyRecord{
		ID:     id,
		Name:   "Test Property 123",
		Street: "123 Main St",
		City:   "Austin",
		State:  "tx",
		Price:  fptr(1),
	}
}

func pendingOfType(t *testing.T, env testEnv, ct domain.CandidateType) domain.ReviewCandidate {
	t.Helper()
	list, err := env.Engine.Repo.ListCandidates(env.Ctx, repo.CandidateFilters{
		Type:   string(ct),
		Status: string(domain.StatusPending),
	})
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(list) == 0 {
		t.Fatalf("no pending %s candidate", ct)
	}
	return list[0]
}

func TestRunCleaningGeneratesCandidates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t,
		cleanProperty("p1", "Oak Ridge Apartments"),
		testProperty("t1"),
		domain.PropertyRecord{ID: "v1", Street: "9 Pine Rd", City: "Dallas", State: "tx", Price: fptr(-5)},
	)

	sum, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Fetched != 3 || sum.Standardized != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.TestProperties != 1 {
		t.Fatalf("test properties = %d", sum.TestProperties)
	}
	if sum.InvalidProperties == 0 {
		t.Fatalf("expected invalid properties, summary = %+v", sum)
	}
	if sum.CandidatesCreated == 0 {
		t.Fatalf("no candidates created: %+v", sum)
	}
	pendingOfType(t, env, domain.CandidateTest)
	pendingOfType(t, env, domain.CandidateInvalid)

	logs, err := env.Engine.Repo.ListCleaningLogs(env.Ctx, 50, sum.RunID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected cleaning log entries for the run")
	}
}

func TestRunCleaningIdempotentCandidateGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))

	first, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.CandidatesCreated != 1 {
		t.Fatalf("first run created %d", first.CandidatesCreated)
	}

	second, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.CandidatesCreated != 0 || second.CandidatesDeduped != 1 {
		t.Fatalf("second run = %+v", second)
	}
}

func TestRunCleaningRegeneratesAfterDisapproval(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))

	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	c := pendingOfType(t, env, domain.CandidateTest)
	if _, err := env.Engine.Review(env.Ctx, c.ReviewID, false, "not convinced", "reviewer"); err != nil {
		t.Fatalf("disapprove: %v", err)
	}

	// The issue is still in the catalog, so a later run must surface it
	// again under a fresh candidate instead of aborting.
	second, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.CandidatesCreated != 1 || second.CandidatesDeduped != 0 {
		t.Fatalf("second run = %+v", second)
	}
	fresh := pendingOfType(t, env, domain.CandidateTest)
	if fresh.ReviewID == c.ReviewID {
		t.Fatal("regenerated candidate reused the disapproved review id")
	}
	if fresh.PrimaryID != c.PrimaryID {
		t.Fatalf("regenerated candidate targets %s, want %s", fresh.PrimaryID, c.PrimaryID)
	}
}

func TestRunCleaningFindsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	a := cleanProperty("a", "Oak Ridge Apartments")
	b := cleanProperty("b", "Oak Ridge Apartments")
	b.Units = iptr(41)
	b.Zip = ""
	env.seed(t, a, b)

	sum, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.DuplicateGroups != 1 {
		t.Fatalf("duplicate groups = %d", sum.DuplicateGroups)
	}
	c := pendingOfType(t, env, domain.CandidateDuplicate)
	if c.ProposedAction != domain.ActionMerge {
		t.Fatalf("proposed action = %s", c.ProposedAction)
	}
	if len(c.SecondaryIDs) != 1 {
		t.Fatalf("secondaries = %v", c.SecondaryIDs)
	}
}

func TestPlanActionsApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"), testProperty("t2"))
	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	actions, err := env.Engine.PlanActions(env.Ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("pending candidates must not plan, got %+v", actions)
	}

	list, _ := env.Engine.Repo.ListCandidates(env.Ctx, repo.CandidateFilters{Status: string(domain.StatusPending)})
	if _, err := env.Engine.Review(env.Ctx, list[0].ReviewID, false, "not convinced", "reviewer"); err != nil {
		t.Fatalf("disapprove: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, list[1].ReviewID, true, "confirmed", "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	actions, err = env.Engine.PlanActions(env.Ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(actions) != 1 || actions[0].ReviewID != list[1].ReviewID {
		t.Fatalf("expected only the approved candidate, got %+v", actions)
	}
}

func TestExecuteConfirmationGate(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))
	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	c := pendingOfType(t, env, domain.CandidateTest)
	if _, err := env.Engine.Review(env.Ctx, c.ReviewID, true, "", "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	actions, err := env.Engine.PlanActions(env.Ctx)
	if err != nil || len(actions) != 1 {
		t.Fatalf("plan: %v %+v", err, actions)
	}

	res, err := env.Engine.Execute(env.Ctx, actions, false, "operator")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Fatalf("unconfirmed execute = %+v", res)
	}
	props, _ := env.Store.FetchProperties(env.Ctx, storage.Filter{})
	if len(props) != 1 {
		t.Fatalf("property mutated without confirmation: %d remain", len(props))
	}
	got, _ := env.Engine.Repo.GetCandidate(env.Ctx, c.ReviewID)
	if got.Status != domain.StatusApproved {
		t.Fatalf("candidate moved to %s without confirmation", got.Status)
	}
}

func TestExecuteDeleteAppliesAndRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))
	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	c := pendingOfType(t, env, domain.CandidateTest)
	if _, err := env.Engine.Review(env.Ctx, c.ReviewID, true, "", "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	actions, _ := env.Engine.PlanActions(env.Ctx)

	res, err := env.Engine.Execute(env.Ctx, actions, true, "operator")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Applied != 1 || res.Failed != 0 {
		t.Fatalf("execute = %+v", res)
	}

	props, _ := env.Store.FetchProperties(env.Ctx, storage.Filter{})
	if len(props) != 0 {
		t.Fatalf("property not deleted: %+v", props)
	}
	reason, err := env.Store.GetMetadata(env.Ctx, "t1", storage.MetaDeletionReason)
	if err != nil || reason == "" {
		t.Fatalf("deletion reason not recorded: %q %v", reason, err)
	}
	got, _ := env.Engine.Repo.GetCandidate(env.Ctx, c.ReviewID)
	if got.Status != domain.StatusApplied || got.AppliedAt == nil {
		t.Fatalf("candidate = %+v", got)
	}
}

func TestExecuteMergeNullFallback(t *testing.T) {
	env := newTestEnv(t)
	a := cleanProperty("a", "Oak Ridge Apartments")
	a.Price = nil
	b := cleanProperty("b", "Oak Ridge Apartments")
	b.Zip = ""
	b.PropertyType = ""
	b.Units = iptr(41)
	b.SourceBrokerID = "br-2"
	a.SourceBrokerID = "br-1"
	env.seed(t, a, b)

	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	c := pendingOfType(t, env, domain.CandidateDuplicate)
	if _, err := env.Engine.Review(env.Ctx, c.ReviewID, true, "", "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	actions, err := env.Engine.PlanActions(env.Ctx)
	if err != nil || len(actions) != 1 {
		t.Fatalf("plan: %v %+v", err, actions)
	}

	res, err := env.Engine.Execute(env.Ctx, actions, true, "operator")
	if err != nil || res.Applied != 1 {
		t.Fatalf("execute: %v %+v", err, res)
	}

	props, _ := env.Store.FetchProperties(env.Ctx, storage.Filter{})
	if len(props) != 1 {
		t.Fatalf("expected one surviving property, got %d", len(props))
	}
	survivor := props[0]
	if survivor.ID != c.PrimaryID {
		t.Fatalf("survivor = %s, want primary %s", survivor.ID, c.PrimaryID)
	}
	if survivor.Price == nil || *survivor.Price != 2_000_000 {
		t.Fatalf("price not filled from secondary: %+v", survivor.Price)
	}
	brokers, err := env.Store.GetMetadata(env.Ctx, survivor.ID, storage.MetaSourceBrokerIDs)
	if err != nil || brokers == "" {
		t.Fatalf("broker provenance missing: %q %v", brokers, err)
	}
}

func TestExecuteStaleApprovalDiscarded(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))
	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	c := pendingOfType(t, env, domain.CandidateTest)
	if _, err := env.Engine.Review(env.Ctx, c.ReviewID, true, "", "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	actions, _ := env.Engine.PlanActions(env.Ctx)

	// First pass applies; replaying the same plan must not mutate again.
	if res, err := env.Engine.Execute(env.Ctx, actions, true, "operator"); err != nil || res.Applied != 1 {
		t.Fatalf("first execute: %v %+v", err, res)
	}
	res, err := env.Engine.Execute(env.Ctx, actions, true, "operator")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Fatalf("stale action not discarded: %+v", res)
	}

	logs, err := env.Engine.Repo.ListCleaningLogs(env.Ctx, 50, "")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	discarded := 0
	for _, l := range logs {
		if l.Type == "action.discarded" {
			discarded++
		}
	}
	if discarded != 1 {
		t.Fatalf("action.discarded log entries = %d, want 1", discarded)
	}
}

func TestTerminalStates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"), testProperty("t2"))
	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	list, _ := env.Engine.Repo.ListCandidates(env.Ctx, repo.CandidateFilters{Status: string(domain.StatusPending)})

	if _, err := env.Engine.Review(env.Ctx, list[0].ReviewID, false, "no", "reviewer"); err != nil {
		t.Fatalf("disapprove: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, list[0].ReviewID, true, "changed my mind", "reviewer"); !errors.Is(err, repo.ErrIllegalTransition) {
		t.Fatalf("re-approving disapproved candidate: %v", err)
	}

	if _, err := env.Engine.Review(env.Ctx, list[1].ReviewID, true, "", "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	actions, _ := env.Engine.PlanActions(env.Ctx)
	if res, err := env.Engine.Execute(env.Ctx, actions, true, "operator"); err != nil || res.Applied != 1 {
		t.Fatalf("execute: %v %+v", err, res)
	}
	if _, err := env.Engine.Review(env.Ctx, list[1].ReviewID, false, "undo", "reviewer"); !errors.Is(err, repo.ErrIllegalTransition) {
		t.Fatalf("reviewing applied candidate: %v", err)
	}
}

func TestAutoApplyHighConfidenceTestDeletions(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.AutoApply.Enabled = true
	// High confidence needs both a denylisted name and a sentinel price.
	env.seed(t,
		testProperty("t1"),
		domain.PropertyRecord{ID: "t2", Name: "Sample Listing", Street: "9 Elm St", City: "Austin", State: "tx", Price: fptr(500_000)},
	)

	sum, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{AutoApply: true, Actor: "scheduler"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.AutoApplied != 1 {
		t.Fatalf("auto applied = %d, want 1", sum.AutoApplied)
	}

	props, _ := env.Store.FetchProperties(env.Ctx, storage.Filter{})
	if len(props) != 1 || props[0].ID != "t2" {
		t.Fatalf("expected only the low-confidence listing to survive: %+v", props)
	}
	if st, err := env.Engine.Status(env.Ctx); err != nil || st.ByStatus["applied"] != 1 || st.ByStatus["pending"] != 1 {
		t.Fatalf("status after auto apply = %+v (%v)", st, err)
	}
}

func TestAutoApplyDisabledByDefault(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))
	sum, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{AutoApply: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.AutoApplied != 0 {
		t.Fatalf("auto apply ran while disabled: %+v", sum)
	}
	props, _ := env.Store.FetchProperties(env.Ctx, storage.Filter{})
	if len(props) != 1 {
		t.Fatalf("property deleted while auto apply disabled")
	}
}

func TestStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testProperty("t1"))
	if _, err := env.Engine.RunCleaning(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	st, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ByStatus["pending"] != 1 {
		t.Fatalf("status counts = %+v", st)
	}
	if st.ByType["test_property"] != 1 {
		t.Fatalf("type counts = %+v", st)
	}
}
