package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// --- Qdrant types ---

type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
	DistanceEuclid Distance = "Euclid"
)

// qdrantStatus supports both `status: "ok"` and `status: {"error":"..."}`.
type qdrantStatus struct {
	State string // "ok" or "error"
	Error string // non-empty if error
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Time   float64      `json:"time"`
	Result T            `json:"result"`
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
	Vector  []float32       `json:"vector"`
}

type qdrantScrollResult struct {
	Points []qdrantPoint    `json:"points"`
	Offset json.RawMessage `json:"next_page_offset"`
}

// QdrantVectors is a VectorIndex backed by a Qdrant collection over REST. The
// collection is created with cosine distance on the first upsert, sized to
// that vector.
type QdrantVectors struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client

	mu      sync.Mutex
	ensured bool
}

func NewQdrantVectors(baseURL, collection, apiKey string) *QdrantVectors {
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	if collection == "" {
		collection = "tasks"
	}
	return &QdrantVectors{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (qs *QdrantVectors) path(suffix string) string {
	return fmt.Sprintf("/collections/%s%s", url.PathEscape(qs.collection), suffix)
}

// EnsureCollection creates the collection if it does not exist yet.
func (qs *QdrantVectors) EnsureCollection(ctx context.Context, dim int) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.ensured {
		return nil
	}
	if dim <= 0 {
		return errors.New("qdrant: vector size must be positive")
	}
	req := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": DistanceCosine},
	}
	var resp qdrantEnvelope[json.RawMessage]
	err := qs.do(ctx, http.MethodPut, qs.path(""), req, &resp)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	qs.ensured = true
	return nil
}

func (qs *QdrantVectors) Upsert(ctx context.Context, e task.VectorEntry) error {
	if qs == nil {
		return errors.New("nil qdrant store")
	}
	if err := qs.EnsureCollection(ctx, len(e.Vector)); err != nil {
		return err
	}
	req := map[string]any{
		"points": []map[string]any{{
			"id":     e.ID,
			"vector": e.Vector,
			"payload": map[string]any{
				"task_id":    e.ID,
				"text":       e.Text,
				"updated_at": e.UpdatedAt.UTC().Format(time.RFC3339Nano),
			},
		}},
	}
	var resp qdrantEnvelope[json.RawMessage]
	if err := qs.do(ctx, http.MethodPut, qs.path("/points?wait=true"), req, &resp); err != nil {
		return err
	}
	return resp.Status.err()
}

func (qs *QdrantVectors) Get(ctx context.Context, id int64) (task.VectorEntry, error) {
	req := map[string]any{
		"ids":          []int64{id},
		"with_payload": true,
		"with_vector":  true,
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	if err := qs.do(ctx, http.MethodPost, qs.path("/points"), req, &resp); err != nil {
		if isQdrantNotFound(err) {
			return task.VectorEntry{}, task.ErrNotFound
		}
		return task.VectorEntry{}, err
	}
	if len(resp.Result) == 0 {
		return task.VectorEntry{}, task.ErrNotFound
	}
	return entryFromPoint(resp.Result[0]), nil
}

func (qs *QdrantVectors) Delete(ctx context.Context, id int64) error {
	if qs == nil {
		return nil
	}
	req := map[string]any{"points": []int64{id}}
	err := qs.do(ctx, http.MethodPost, qs.path("/points/delete?wait=true"), req, nil)
	if isQdrantNotFound(err) {
		return nil
	}
	return err
}

func (qs *QdrantVectors) Query(ctx context.Context, vec []float32, k int) ([]task.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": false,
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	if err := qs.do(ctx, http.MethodPost, qs.path("/points/search"), req, &resp); err != nil {
		if isQdrantNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]task.Neighbor, 0, len(resp.Result))
	for _, p := range resp.Result {
		id, err := parseQdrantID(p.ID)
		if err != nil {
			continue
		}
		out = append(out, task.Neighbor{ID: id, Score: p.Score})
	}
	return topK(out, k), nil
}

// IDs scrolls the whole collection without payloads or vectors.
func (qs *QdrantVectors) IDs(ctx context.Context) ([]int64, error) {
	const (
		limit    = 256
		maxPages = 100000
	)
	var (
		ids     []int64
		offset  json.RawMessage
		prevRaw string
	)
	for page := 0; page < maxPages; page++ {
		req := map[string]any{"limit": limit, "with_payload": false, "with_vector": false}
		if len(offset) > 0 {
			req["offset"] = offset
		}
		var resp qdrantEnvelope[qdrantScrollResult]
		if err := qs.do(ctx, http.MethodPost, qs.path("/points/scroll"), req, &resp); err != nil {
			if isQdrantNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, p := range resp.Result.Points {
			if id, err := parseQdrantID(p.ID); err == nil {
				ids = append(ids, id)
			}
		}
		raw := strings.TrimSpace(string(resp.Result.Offset))
		if len(resp.Result.Points) == 0 || raw == "" || raw == "null" || raw == prevRaw {
			slices.Sort(ids)
			return ids, nil
		}
		prevRaw = raw
		offset = resp.Result.Offset
	}
	return nil, fmt.Errorf("qdrant scroll: hit page limit (%d)", maxPages)
}

func (qs *QdrantVectors) Close() error {
	if qs != nil && qs.client != nil {
		qs.client.CloseIdleConnections()
	}
	return nil
}

type qdrantHTTPError struct {
	Method, URL string
	Code        int
	Body        string
}

func (e *qdrantHTTPError) Error() string {
	return fmt.Sprintf("qdrant %s %s -> http %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func isQdrantNotFound(err error) bool {
	var he *qdrantHTTPError
	return errors.As(err, &he) && he.Code == http.StatusNotFound
}

func (s qdrantStatus) err() error {
	if s.Error != "" {
		return errors.New(s.Error)
	}
	return nil
}

func (qs *QdrantVectors) do(ctx context.Context, method, path string, body any, out any) error {
	u := qs.baseURL + path

	var buf io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if qs.apiKey != "" {
		req.Header.Set("api-key", qs.apiKey)
	}
	resp, err := qs.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if resp.StatusCode >= 400 {
		return &qdrantHTTPError{Method: method, URL: u, Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return err
		}
	}
	return nil
}

func entryFromPoint(p qdrantPoint) task.VectorEntry {
	id, _ := parseQdrantID(p.ID)
	e := task.VectorEntry{ID: id, Vector: p.Vector}
	if s, ok := p.Payload["text"].(string); ok {
		e.Text = s
	}
	if s, ok := p.Payload["updated_at"].(string); ok {
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return e
}

func parseQdrantID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("empty qdrant id")
	}
	var idInt int64
	if err := json.Unmarshal(raw, &idInt); err == nil {
		return idInt, nil
	}
	var idStr string
	if err := json.Unmarshal(raw, &idStr); err == nil {
		if val, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			return val, nil
		}
	}
	return 0, errors.New("unrecognised qdrant id")
}
