package stats

import (
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
)

func TestSnapshotIncludesAllProviders(t *testing.T) {
	r := NewRegistry()
	r.Register("engine", func() any { return map[string]int{"decisions": 7} })
	r.Register("buffer", func() any { return map[string]int{"size": 42} })

	snap := r.Snapshot()
	if _, ok := snap["engine"]; !ok {
		t.Error("engine metrics missing")
	}
	if _, ok := snap["buffer"]; !ok {
		t.Error("buffer metrics missing")
	}
	if _, ok := snap["uptime_seconds"]; !ok {
		t.Error("uptime missing")
	}
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("tracker", func() any { return nil })
	r.Register("agent", func() any { return nil })
	r.Register("engine", func() any { return nil })

	want := []string{"agent", "engine", "tracker"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("names = %v, want %v", got, want)
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("engine", func() any { return 1 })
	r.Register("engine", func() any { return 2 })

	if got := r.Snapshot()["engine"]; got != 2 {
		t.Errorf("snapshot = %v, want replacement provider", got)
	}
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.Register("engine", func() any { return map[string]uint64{"decisions": 3} })

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	engine, ok := body["engine"].(map[string]any)
	if !ok || engine["decisions"] != float64(3) {
		t.Errorf("engine metrics = %v", body["engine"])
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register("component", func() any { return i })
		}(i)
		go func() {
			defer wg.Done()
			r.Snapshot()
		}()
	}
	wg.Wait()
}
