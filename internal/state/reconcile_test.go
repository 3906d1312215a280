package state

import "testing"

func setOf(indices ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		m[i] = struct{}{}
	}
	return m
}

func TestReconcileCarriesNameOnMajorityOverlap(t *testing.T) {
	// Old label 0 covered {0,1,2} and was named. The new clustering grows it
	// to {0,1,2,3}; Jaccard 3/4 exceeds the threshold, so the identity and
	// its metadata must follow.
	old := map[int]*Customization{
		5: {Name: "Politics", Visible: true, Members: setOf(0, 1, 2)},
	}
	newLabels := []int{0, 0, 0, 0, 1, 1, 1, -1, -1, -1}

	custs, binding := reconcile(newLabels, old)

	id, ok := binding[0]
	if !ok {
		t.Fatalf("new label 0 got no binding")
	}
	if id != 5 {
		t.Fatalf("new label 0 bound to id %d, want 5", id)
	}
	c := custs[5]
	if c == nil {
		t.Fatalf("customization 5 missing from result")
	}
	if c.Name != "Politics" || !c.Visible {
		t.Fatalf("metadata not carried: got name=%q visible=%v", c.Name, c.Visible)
	}
	want := setOf(0, 1, 2, 3)
	if len(c.Members) != len(want) {
		t.Fatalf("member set has %d entries, want %d", len(c.Members), len(want))
	}
	for idx := range want {
		if _, ok := c.Members[idx]; !ok {
			t.Fatalf("member set missing index %d", idx)
		}
	}
	if _, bound := binding[1]; bound {
		t.Fatalf("new label 1 should stay unbound")
	}
}

func TestReconcileExactHalfOverlapDropsName(t *testing.T) {
	// A cluster that splits into two equal halves matches neither half:
	// Jaccard 2/4 = 0.5 is not strictly above the threshold.
	old := map[int]*Customization{
		3: {Name: "Tech", Members: setOf(0, 1, 2, 3)},
	}
	newLabels := []int{0, 0, 1, 1}

	custs, binding := reconcile(newLabels, old)
	if len(custs) != 0 || len(binding) != 0 {
		t.Fatalf("split halves must not inherit: got %d customizations, %d bindings", len(custs), len(binding))
	}
}

func TestReconcileIsOneToOne(t *testing.T) {
	// Two old customizations overlap the same new cluster; only the better
	// match wins, and a claimed id cannot be reassigned.
	old := map[int]*Customization{
		1: {Name: "A", Members: setOf(0, 1, 2, 3)},
		2: {Name: "B", Members: setOf(0, 1, 2)},
	}
	newLabels := []int{7, 7, 7, 7, -1}

	custs, binding := reconcile(newLabels, old)
	if len(binding) != 1 {
		t.Fatalf("want exactly one binding, got %d", len(binding))
	}
	if binding[7] != 1 {
		t.Fatalf("label 7 bound to id %d, want 1 (higher similarity)", binding[7])
	}
	if custs[1].Name != "A" {
		t.Fatalf("wrong customization carried: %q", custs[1].Name)
	}

	seen := make(map[int]int)
	for label, id := range binding {
		if prev, dup := seen[id]; dup {
			t.Fatalf("id %d bound to labels %d and %d", id, prev, label)
		}
		seen[id] = label
	}
}

func TestReconcileTieBreakIsDeterministic(t *testing.T) {
	// Labels 0 and 1 both match id 4 with identical similarity. The lower
	// new label wins regardless of map iteration order.
	old := map[int]*Customization{
		4: {Name: "Tied", Members: setOf(0, 1, 2, 3)},
	}
	newLabels := []int{0, 0, 0, 1, 1, 1}

	for i := 0; i < 50; i++ {
		_, binding := reconcile(newLabels, old)
		if len(binding) != 1 {
			t.Fatalf("run %d: want one binding, got %d", i, len(binding))
		}
		if _, ok := binding[0]; !ok {
			t.Fatalf("run %d: tie resolved to label 1, want lower label 0", i)
		}
	}
}

func TestReconcileEqualSimilarityPrefersLowerID(t *testing.T) {
	// One new label, two old ids with identical member sets. Lower id wins.
	old := map[int]*Customization{
		9: {Name: "High", Members: setOf(0, 1, 2)},
		2: {Name: "Low", Members: setOf(0, 1, 2)},
	}
	newLabels := []int{0, 0, 0}

	for i := 0; i < 50; i++ {
		_, binding := reconcile(newLabels, old)
		if binding[0] != 2 {
			t.Fatalf("run %d: label 0 bound to %d, want lower id 2", i, binding[0])
		}
	}
}

func TestReconcileEmptyInputs(t *testing.T) {
	custs, binding := reconcile([]int{-1, -1}, map[int]*Customization{
		1: {Name: "X", Members: setOf(0)},
	})
	if len(custs) != 0 || len(binding) != 0 {
		t.Fatalf("all-noise labels must yield empty result")
	}

	custs, binding = reconcile([]int{0, 0, 1}, nil)
	if len(custs) != 0 || len(binding) != 0 {
		t.Fatalf("nil old customizations must yield empty result")
	}
}

func TestReconcileNoiseNeverMatches(t *testing.T) {
	old := map[int]*Customization{
		1: {Name: "Named", Members: setOf(3, 4, 5)},
	}
	newLabels := []int{-1, -1, -1, -1, -1, -1}

	_, binding := reconcile(newLabels, old)
	if _, ok := binding[NoiseLabel]; ok {
		t.Fatalf("noise label must never be bound")
	}
	if len(binding) != 0 {
		t.Fatalf("want no bindings, got %d", len(binding))
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b map[int]struct{}
		want float64
	}{
		{setOf(0, 1, 2), setOf(0, 1, 2, 3), 0.75},
		{setOf(0, 1), setOf(2, 3), 0},
		{setOf(), setOf(), 0},
		{setOf(1), setOf(1), 1},
	}
	for i, c := range cases {
		if got := jaccard(c.a, c.b); got != c.want {
			t.Fatalf("case %d: jaccard = %v, want %v", i, got, c.want)
		}
	}
}
