package runner_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/runner"
	"github.com/predictops/schemapatch/internal/source"
	"go.uber.org/zap"
)

var ctx = context.Background()

func testSet() []source.Patch {
	return []source.Patch{
		{ID: "A", Up: "CREATE TABLE a (id int);", Down: "DROP TABLE a;"},
		{ID: "B", Requires: []string{"A"}, Up: "CREATE TABLE b (id int);", Down: "DROP TABLE b;"},
		{ID: "C", Requires: []string{"A", "B"}, Up: "CREATE TABLE c (id int);"},
	}
}

func TestApply_installsInOrder(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())

	report, err := r.Apply(ctx, testSet())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 3 || len(report.Skipped) != 0 {
		t.Fatalf("report: applied=%v skipped=%v", report.Applied, report.Skipped)
	}

	stmts := l.Statements()
	if len(stmts) != 3 || !strings.Contains(stmts[0], "TABLE a") || !strings.Contains(stmts[2], "TABLE c") {
		t.Errorf("payloads not executed in declaration order: %v", stmts)
	}

	reqs, _ := l.Requires(ctx, "C")
	if len(reqs) != 2 {
		t.Errorf("C should record edges to A and B, got %v", reqs)
	}
}

func TestApply_secondPassSkipsAll(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())

	if _, err := r.Apply(ctx, testSet()); err != nil {
		t.Fatal(err)
	}
	before := len(l.Statements())

	report, err := r.Apply(ctx, testSet())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 0 || len(report.Skipped) != 3 {
		t.Fatalf("second pass: applied=%v skipped=%v", report.Applied, report.Skipped)
	}
	if len(l.Statements()) != before {
		t.Error("skipped patches must not re-run payloads")
	}
}

func TestApply_failsFastOnUnknownRequirement(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())

	patches := []source.Patch{
		{ID: "B", Requires: []string{"missing"}, Up: "CREATE TABLE b (id int);"},
	}
	_, err := r.Apply(ctx, patches)
	if !errors.Is(err, ledger.ErrUnknownDependency) {
		t.Fatalf("got %v, want ErrUnknownDependency", err)
	}
	if len(l.Statements()) != 0 {
		t.Error("fail-fast validation must run before any payload")
	}
}

func TestApply_requirementSatisfiedEarlierInBatch(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())

	// B's requirement on A is satisfied by A earlier in the same batch even
	// though nothing is installed yet.
	if _, err := r.Apply(ctx, testSet()[:2]); err != nil {
		t.Fatal(err)
	}
}

func TestRevert_runsDownSQL(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())
	patches := testSet()

	if _, err := r.Apply(ctx, patches[:1]); err != nil {
		t.Fatal(err)
	}

	removed, err := r.Revert(ctx, patches, "A")
	if err != nil || !removed {
		t.Fatalf("revert: got (%v, %v), want (true, nil)", removed, err)
	}

	stmts := l.Statements()
	if !strings.Contains(stmts[len(stmts)-1], "DROP TABLE a") {
		t.Errorf("down SQL not executed: %v", stmts)
	}

	installed, _ := l.IsInstalled(ctx, "A")
	if installed {
		t.Error("A should be uninstalled")
	}
}

func TestRevert_blockedByDependent(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())
	patches := testSet()

	if _, err := r.Apply(ctx, patches); err != nil {
		t.Fatal(err)
	}

	_, err := r.Revert(ctx, patches, "A")
	if !errors.Is(err, ledger.ErrDependentExists) {
		t.Fatalf("revert(A) with dependents: got %v, want ErrDependentExists", err)
	}
}

func TestRevert_notInstalledIsNoop(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())

	removed, err := r.Revert(ctx, testSet(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("reverting a never-installed patch should report false")
	}
}

func TestRevert_noDownSQL(t *testing.T) {
	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())
	patches := testSet()

	if _, err := r.Apply(ctx, patches); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Revert(ctx, patches, "C"); err == nil {
		t.Fatal("patch without down SQL must not be revertible")
	}
}

func TestValidate(t *testing.T) {
	if err := runner.Validate(testSet()); err != nil {
		t.Errorf("valid set rejected: %v", err)
	}

	bad := []source.Patch{
		{ID: "B", Requires: []string{"A"}, Up: "x"},
		{ID: "A", Up: "x"},
	}
	if err := runner.Validate(bad); err == nil {
		t.Error("forward requirement should be rejected")
	}

	empty := []source.Patch{{ID: "A"}}
	if err := runner.Validate(empty); err == nil {
		t.Error("empty up SQL should be rejected")
	}
}
