package gate

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-boot/errors"
)

func TestGateFiresOnZero(t *testing.T) {
	fired := 0
	g := New(Config{OnSatisfied: func() { fired++ }, Assertions: true})

	g.Add("a")
	g.Add("b")
	if err := g.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Fatalf("fired with %d pending", g.Count())
	}
	if err := g.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if !g.Satisfied() {
		t.Error("gate not satisfied at zero")
	}
}

func TestGateCallbackAddsDependency(t *testing.T) {
	var g *Gate
	fired := 0
	g = New(Config{
		Assertions: true,
		OnSatisfied: func() {
			fired++
			if fired == 1 {
				g.Add("late")
			}
		},
	})

	g.Add("first")
	if err := g.Remove("first"); err != nil {
		t.Fatal(err)
	}
	if fired != 1 || g.Count() != 1 {
		t.Fatalf("fired=%d count=%d, want 1 1", fired, g.Count())
	}
	if err := g.Remove("late"); err != nil {
		t.Fatal(err)
	}
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}

func TestGateUnbalancedRemove(t *testing.T) {
	tests := []struct {
		name       string
		assertions bool
		setup      []string
		remove     string
		wantErr    bool
		wantCount  int
	}{
		{"underflow asserted", true, nil, "x", true, 0},
		{"underflow ignored", false, nil, "x", false, 0},
		{"unknown label asserted", true, []string{"a"}, "b", true, 1},
		{"unknown label ignored", false, []string{"a"}, "b", false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired := 0
			g := New(Config{Assertions: tt.assertions, OnSatisfied: func() { fired++ }})
			for _, l := range tt.setup {
				g.Add(l)
			}

			err := g.Remove(tt.remove)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Remove err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var e *errors.Error
				if !stderrors.As(err, &e) || e.Kind != errors.KindInvariant {
					t.Errorf("error = %v, want invariant violation", err)
				}
			}
			if g.Count() != tt.wantCount {
				t.Errorf("Count = %d, want %d", g.Count(), tt.wantCount)
			}
			if fired != 0 {
				t.Error("unbalanced removal fired callback")
			}
		})
	}
}

func TestGatePending(t *testing.T) {
	g := New(Config{})
	g.Add("lib.so")
	g.Add("memory initializer")
	g.Add("lib.so")

	got := g.Pending()
	want := []string{"lib.so", "lib.so", "memory initializer"}
	if len(got) != len(want) {
		t.Fatalf("Pending = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Pending = %v, want %v", got, want)
		}
	}
}

func TestGateReentrantZero(t *testing.T) {
	var g *Gate
	fired := 0
	g = New(Config{
		OnSatisfied: func() {
			fired++
			if fired == 1 {
				g.Add("inner")
				if err := g.Remove("inner"); err != nil {
					t.Error(err)
				}
			}
		},
	})

	g.Add("outer")
	if err := g.Remove("outer"); err != nil {
		t.Fatal(err)
	}
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}
