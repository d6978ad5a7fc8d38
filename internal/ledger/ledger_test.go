package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/predictops/schemapatch/internal/ledger"
)

var ctx = context.Background()

func TestInstall_recordsPatch(t *testing.T) {
	l := ledger.NewMemory("deploy")

	created, err := l.Install(ctx, "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first install should report true")
	}

	installed, err := l.IsInstalled(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !installed {
		t.Error("p1 should be installed")
	}

	patches, err := l.Installed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 1 || patches[0].ID != "p1" {
		t.Errorf("expected exactly [p1], got %v", patches)
	}
	if patches[0].InstalledBy != "deploy" {
		t.Errorf("InstalledBy: got %q, want %q", patches[0].InstalledBy, "deploy")
	}
	if patches[0].InstalledAt.IsZero() {
		t.Error("InstalledAt should be set")
	}
}

func TestInstall_idempotent(t *testing.T) {
	l := ledger.NewMemory("deploy")

	payloadRuns := 0
	payload := func(ctx context.Context, exec ledger.Executor) error {
		payloadRuns++
		return exec.Execute(ctx, "CREATE TABLE t (id int)")
	}

	first, err := l.Install(ctx, "p1", nil, payload)
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Install(ctx, "p1", nil, payload)
	if err != nil {
		t.Fatal(err)
	}

	if !first || second {
		t.Errorf("install twice: got (%v, %v), want (true, false)", first, second)
	}
	if payloadRuns != 1 {
		t.Errorf("payload ran %d times, want 1", payloadRuns)
	}

	patches, _ := l.Installed(ctx)
	if len(patches) != 1 {
		t.Errorf("expected 1 installed patch after double install, got %d", len(patches))
	}
}

func TestUninstall_notInstalledIsNoop(t *testing.T) {
	l := ledger.NewMemory("deploy")

	removed, err := l.Uninstall(ctx, "ghost", nil)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("uninstall of a never-installed id should report false")
	}

	patches, _ := l.Installed(ctx)
	if len(patches) != 0 {
		t.Errorf("ledger should be unchanged, got %d patches", len(patches))
	}
}

func TestUninstall_blockedByDependent(t *testing.T) {
	l := ledger.NewMemory("deploy")

	mustInstall(t, l, "base")
	mustInstall(t, l, "dep", "base")

	if _, err := l.Uninstall(ctx, "base", nil); !errors.Is(err, ledger.ErrDependentExists) {
		t.Fatalf("uninstall(base) with dep installed: got %v, want ErrDependentExists", err)
	}

	// Removing the dependent unblocks the base.
	removed, err := l.Uninstall(ctx, "dep", nil)
	if err != nil || !removed {
		t.Fatalf("uninstall(dep): got (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = l.Uninstall(ctx, "base", nil)
	if err != nil || !removed {
		t.Fatalf("uninstall(base) after dep removed: got (%v, %v), want (true, nil)", removed, err)
	}
}

func TestInstall_unknownDependencyFailsFast(t *testing.T) {
	l := ledger.NewMemory("deploy")

	_, err := l.Install(ctx, "dep", []string{"never-installed"}, nil)
	if !errors.Is(err, ledger.ErrUnknownDependency) {
		t.Fatalf("got %v, want ErrUnknownDependency", err)
	}

	installed, _ := l.IsInstalled(ctx, "dep")
	if installed {
		t.Error("failed install must not record the patch")
	}
}

func TestInstallUninstall_roundTrip(t *testing.T) {
	l := ledger.NewMemory("deploy")

	mustInstall(t, l, "p1")
	removed, err := l.Uninstall(ctx, "p1", nil)
	if err != nil || !removed {
		t.Fatalf("uninstall: got (%v, %v), want (true, nil)", removed, err)
	}

	patches, _ := l.Installed(ctx)
	if len(patches) != 0 {
		t.Errorf("round trip should leave no residual rows, got %d", len(patches))
	}
	if reqs, _ := l.Requires(ctx, "p1"); len(reqs) != 0 {
		t.Errorf("round trip should leave no residual edges, got %v", reqs)
	}
}

func TestInstall_dependencyChain(t *testing.T) {
	l := ledger.NewMemory("deploy")

	mustInstall(t, l, "A")
	mustInstall(t, l, "B", "A")
	mustInstall(t, l, "C", "A", "B")

	patches, err := l.Installed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 3 {
		t.Fatalf("expected 3 installed patches, got %d", len(patches))
	}

	wantEdges := map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"A", "B"},
	}
	for id, want := range wantEdges {
		got, err := l.Requires(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Errorf("Requires(%s): got %v, want %v", id, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Requires(%s): got %v, want %v", id, got, want)
			}
		}
	}

	if _, err := l.Uninstall(ctx, "A", nil); !errors.Is(err, ledger.ErrDependentExists) {
		t.Errorf("uninstall(A) with B, C installed: got %v, want ErrDependentExists", err)
	}
}

func TestInstall_concurrentSameID(t *testing.T) {
	l := ledger.NewMemory("deploy")

	const callers = 16
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := l.Install(ctx, "p1", nil, nil)
			if err != nil {
				t.Error(err)
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for created := range results {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("exactly one caller should observe true, got %d", winners)
	}

	patches, _ := l.Installed(ctx)
	if len(patches) != 1 {
		t.Errorf("expected a single row for p1, got %d", len(patches))
	}
}

func TestInstall_failedPayloadNotRecorded(t *testing.T) {
	l := ledger.NewMemory("deploy")

	boom := errors.New("syntax error")
	_, err := l.Install(ctx, "p1", nil, func(context.Context, ledger.Executor) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want payload error", err)
	}

	installed, _ := l.IsInstalled(ctx, "p1")
	if installed {
		t.Error("patch must not be recorded when its payload fails")
	}
}

func TestStatements_capturesPayloadSQL(t *testing.T) {
	l := ledger.NewMemory("deploy")

	_, err := l.Install(ctx, "p1", nil, func(ctx context.Context, exec ledger.Executor) error {
		return exec.Execute(ctx, "CREATE TABLE runs (id uuid PRIMARY KEY)")
	})
	if err != nil {
		t.Fatal(err)
	}

	stmts := l.Statements()
	if len(stmts) != 1 || stmts[0] != "CREATE TABLE runs (id uuid PRIMARY KEY)" {
		t.Errorf("unexpected recorded statements: %v", stmts)
	}
}

func mustInstall(t *testing.T, l ledger.Ledger, id string, requires ...string) {
	t.Helper()
	created, err := l.Install(ctx, id, requires, nil)
	if err != nil {
		t.Fatalf("install %s: %v", id, err)
	}
	if !created {
		t.Fatalf("install %s: expected true", id)
	}
}
