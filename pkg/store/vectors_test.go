package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

func vectorIndexSuite(t *testing.T, idx VectorIndex) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []task.VectorEntry{
		{ID: 1, Vector: []float32{1, 0, 0}, Text: "one", UpdatedAt: now},
		{ID: 2, Vector: []float32{0, 1, 0}, Text: "two", UpdatedAt: now},
		{ID: 3, Vector: []float32{0.9, 0.1, 0}, Text: "three", UpdatedAt: now},
	}
	for _, e := range entries {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert %d: %v", e.ID, err)
		}
	}

	got, err := idx.Query(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("unexpected neighbours %+v", got)
	}
	if got[0].Score < 0.99 {
		t.Fatalf("expected near 1 similarity, got %f", got[0].Score)
	}

	e, err := idx.Get(ctx, 2)
	if err != nil || e.Text != "two" || len(e.Vector) != 3 {
		t.Fatalf("get: %+v %v", e, err)
	}

	if err := idx.Upsert(ctx, task.VectorEntry{ID: 2, Vector: []float32{1, 0, 0}, Text: "two v2", UpdatedAt: now}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if e, _ := idx.Get(ctx, 2); e.Text != "two v2" {
		t.Fatalf("upsert did not replace entry: %+v", e)
	}

	if err := idx.Delete(ctx, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := idx.Delete(ctx, 2); err != nil {
		t.Fatalf("deleting an absent entry must succeed: %v", err)
	}
	if _, err := idx.Get(ctx, 2); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ids, err := idx.IDs(ctx)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestMemoryVectors(t *testing.T) {
	vectorIndexSuite(t, NewMemoryVectors())
}

func TestMemoryVectorsQueryNonPositiveK(t *testing.T) {
	idx := NewMemoryVectors()
	_ = idx.Upsert(context.Background(), task.VectorEntry{ID: 1, Vector: []float32{1}})
	got, err := idx.Query(context.Background(), []float32{1}, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no results, got %v %v", got, err)
	}
}

// fakeQdrant is a minimal in-process stand-in for the Qdrant REST API.
type fakeQdrant struct {
	mu     sync.Mutex
	points map[int64]map[string]any
	exists bool
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	reply := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "time": 0.001, "result": result})
	}
	path := strings.TrimPrefix(r.URL.Path, "/collections/tasks")
	if path != "" && !f.exists {
		http.Error(w, `{"status":{"error":"Not found: Collection tasks doesn't exist!"}}`, http.StatusNotFound)
		return
	}
	switch {
	case r.Method == http.MethodPut && path == "":
		f.exists = true
		reply(true)
	case r.Method == http.MethodPut && path == "/points":
		for _, p := range body["points"].([]any) {
			pt := p.(map[string]any)
			f.points[int64(pt["id"].(float64))] = pt
		}
		reply(map[string]any{"status": "completed"})
	case r.Method == http.MethodPost && path == "/points":
		var out []any
		for _, id := range body["ids"].([]any) {
			if pt, ok := f.points[int64(id.(float64))]; ok {
				out = append(out, pt)
			}
		}
		reply(out)
	case r.Method == http.MethodPost && path == "/points/delete":
		for _, id := range body["points"].([]any) {
			delete(f.points, int64(id.(float64)))
		}
		reply(map[string]any{"status": "completed"})
	case r.Method == http.MethodPost && path == "/points/search":
		q := toFloat32s(body["vector"].([]any))
		var ns []task.Neighbor
		for id, pt := range f.points {
			ns = append(ns, task.Neighbor{ID: id, Score: task.CosineSimilarity(q, toFloat32s(pt["vector"].([]any)))})
		}
		ns = topK(ns, int(body["limit"].(float64)))
		out := make([]any, len(ns))
		for i, n := range ns {
			out[i] = map[string]any{"id": n.ID, "score": n.Score, "version": 1}
		}
		reply(out)
	case r.Method == http.MethodPost && path == "/points/scroll":
		var out []any
		for id := range f.points {
			out = append(out, map[string]any{"id": id})
		}
		reply(map[string]any{"points": out, "next_page_offset": nil})
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func toFloat32s(in []any) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v.(float64))
	}
	return out
}

func TestQdrantVectors(t *testing.T) {
	srv := httptest.NewServer(&fakeQdrant{points: map[int64]map[string]any{}})
	defer srv.Close()

	idx := NewQdrantVectors(srv.URL, "tasks", "")
	if ids, err := idx.IDs(context.Background()); err != nil || len(ids) != 0 {
		t.Fatalf("missing collection should read as empty: %v %v", ids, err)
	}
	vectorIndexSuite(t, idx)
}

func TestParseQdrantID(t *testing.T) {
	for raw, want := range map[string]int64{`42`: 42, `"17"`: 17} {
		got, err := parseQdrantID(json.RawMessage(raw))
		if err != nil || got != want {
			t.Fatalf("parseQdrantID(%s) = %d, %v", raw, got, err)
		}
	}
	if _, err := parseQdrantID(json.RawMessage(`"a8f0-uuid"`)); err == nil {
		t.Fatal("expected error for uuid id")
	}
}

func TestVectorTextRoundTrip(t *testing.T) {
	b, _ := json.Marshal([]float32{0.5, -1, 2})
	text := vectorFromJSON(b)
	if text != "[0.5,-1,2]" {
		t.Fatalf("unexpected vector literal %q", text)
	}
	got := parseVector(text)
	if len(got) != 3 || got[0] != 0.5 || got[1] != -1 || got[2] != 2 {
		t.Fatalf("parseVector = %v", got)
	}
	if parseVector("[]") != nil {
		t.Fatal("empty literal should parse to nil")
	}
}

func TestFloatEmbeddingConversions(t *testing.T) {
	original := []float32{1.25, -2, 0, 3.5}
	roundTrip := float32Embedding(float64Embedding(original))
	if len(roundTrip) != len(original) {
		t.Fatalf("unexpected round-trip length: got %d want %d", len(roundTrip), len(original))
	}
	for i := range original {
		if roundTrip[i] != original[i] {
			t.Fatalf("value mismatch at %d: got %f want %f", i, roundTrip[i], original[i])
		}
	}
}
