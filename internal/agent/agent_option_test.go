package agent

import "testing"

func TestWithTunFD_setsField(t *testing.T) {
	t.Parallel()

	a, _ := testAgent(t)
	if a.tunFD != nil {
		t.Fatalf("tunFD = %v, want nil before option applied", a.tunFD)
	}

	cfg := a.cfg
	deps, _ := newTestDeps()
	a = NewWithDeps(cfg, nil, deps, WithTunFD(42))

	if a.tunFD == nil {
		t.Fatal("tunFD = nil, want set after WithTunFD(42)")
	}
	if *a.tunFD != 42 {
		t.Errorf("tunFD = %d, want 42", *a.tunFD)
	}
}
