package patches_test

import (
	"context"
	"testing"

	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/runner"
	"github.com/predictops/schemapatch/internal/source"
	"github.com/predictops/schemapatch/patches"
	"go.uber.org/zap"
)

func TestShippedSet_loadsAndValidates(t *testing.T) {
	set, err := source.Load(patches.FS, ".")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 3 {
		t.Fatalf("expected 3 shipped patches, got %d", len(set))
	}
	if err := runner.Validate(set); err != nil {
		t.Fatal(err)
	}
}

func TestShippedSet_appliesEndToEnd(t *testing.T) {
	set, err := source.Load(patches.FS, ".")
	if err != nil {
		t.Fatal(err)
	}

	l := ledger.NewMemory("test")
	r := runner.New(l, zap.NewNop())
	ctx := context.Background()

	report, err := r.Apply(ctx, set)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 3 {
		t.Fatalf("applied: got %v", report.Applied)
	}

	// runs is required by predictions and notifications.
	if _, err := r.Revert(ctx, set, "runs"); err == nil {
		t.Error("reverting runs while dependents are installed should fail")
	}

	for _, id := range []string{"predictions", "notifications", "runs"} {
		removed, err := r.Revert(ctx, set, id)
		if err != nil || !removed {
			t.Fatalf("revert %s: (%v, %v)", id, removed, err)
		}
	}

	left, _ := l.Installed(ctx)
	if len(left) != 0 {
		t.Errorf("full revert should empty the ledger, got %v", left)
	}
}
