package task

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func day(s string) *time.Time {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestCanonicalTextIgnoresStatusAndRawText(t *testing.T) {
	r := Record{Title: "Buy milk", Category: CategoryErrand, Priority: PriorityLow, Status: StatusOpen, RawText: "milk pls", DueDate: day("2025-03-02")}
	done := r
	done.Status = StatusDone
	done.RawText = "something else"
	if CanonicalText(r) != CanonicalText(done) {
		t.Fatalf("status or raw text leaked into canonical text: %q vs %q", CanonicalText(r), CanonicalText(done))
	}
	if want := "Buy milk | category: Errand | priority: Low | due: 2025-03-02"; CanonicalText(r) != want {
		t.Fatalf("unexpected canonical text %q", CanonicalText(r))
	}
	r.Description = "two litres"
	if !strings.HasPrefix(CanonicalText(r), "Buy milk. two litres |") {
		t.Fatalf("description missing: %q", CanonicalText(r))
	}
}

func TestFilterMatch(t *testing.T) {
	r := Record{Priority: PriorityHigh, Status: StatusOpen, Category: CategoryWork, DueDate: day("2025-03-05")}
	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero", Filter{}, true},
		{"priority", Filter{Priority: PriorityHigh}, true},
		{"priority mismatch", Filter{Priority: PriorityLow}, false},
		{"status mismatch", Filter{Status: StatusDone}, false},
		{"category", Filter{Category: CategoryWork}, true},
		{"range inclusive", Filter{DueFrom: day("2025-03-05"), DueTo: day("2025-03-05")}, true},
		{"before range", Filter{DueFrom: day("2025-03-06")}, false},
		{"after range", Filter{DueTo: day("2025-03-04")}, false},
	}
	for _, tc := range cases {
		if got := tc.f.Match(r); got != tc.want {
			t.Errorf("%s: Match = %v, want %v", tc.name, got, tc.want)
		}
	}
	if (Filter{DueTo: day("2030-01-01")}).Match(Record{}) {
		t.Fatal("record without due date matched a date range")
	}
}

func TestPatchApply(t *testing.T) {
	r := Record{Title: "Old", Priority: PriorityMedium, Status: StatusOpen, Category: CategoryOther, DueDate: day("2025-01-01"), Deadline: "soon"}
	if !(Patch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
	title := "New"
	c := Patch{Title: &title, ClearDueDate: true}.Apply(r)
	if *c.Title != "New" || c.DueDate != nil || *c.Deadline != "soon" || *c.Priority != "Medium" {
		t.Fatalf("unexpected merge: %+v", c)
	}
	due := "2025-02-02"
	c = Patch{DueDate: &due, ClearDueDate: true}.Apply(r)
	if c.DueDate == nil || *c.DueDate != due {
		t.Fatal("explicit due date should win over clear")
	}
}

func TestParseEnums(t *testing.T) {
	if p, ok := ParsePriority("HIGH"); !ok || p != PriorityHigh {
		t.Fatalf("ParsePriority(HIGH) = %q, %v", p, ok)
	}
	if s, ok := ParseStatus("in_progress"); !ok || s != StatusInProgress {
		t.Fatalf("ParseStatus(in_progress) = %q, %v", s, ok)
	}
	if _, ok := ParseCategory("hobby"); ok {
		t.Fatal("unknown category accepted")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("create: %w", &StoreWriteError{Store: StoreVector, Op: "create", ID: 4, Err: base, RolledBack: true})
	var swe *StoreWriteError
	if !errors.As(err, &swe) || swe.Store != StoreVector || !errors.Is(err, base) {
		t.Fatalf("unexpected error chain: %v", err)
	}
	if !strings.Contains(err.Error(), "[rolled back]") {
		t.Fatalf("missing rollback marker: %v", err)
	}
	inc := &InconsistencyError{ID: 9, Op: "delete", Detail: "row remains", Err: base}
	if !errors.Is(inc, base) {
		t.Fatal("inconsistency error should unwrap")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := CosineSimilarity(nil, []float32{1}); got != 0 {
		t.Fatalf("empty vector: %v", got)
	}
}
