package ml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
)

func newTestService(t *testing.T, predict http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if predict != nil {
		mux.HandleFunc("/predict", predict)
	}
	mux.HandleFunc("/models/info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"version": "rf-3", "features": 66})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() *ClientConfig {
	return &ClientConfig{Timeout: time.Second, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func TestPredictSendsFeatures(t *testing.T) {
	srv := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Timestamp != 42 || req.Features["AccX_mean"] != 0.25 {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(PredictResponse{Behavior: "AGGRESSIVE", Confidence: 0.9})
	})

	c := NewClient(srv.URL, testConfig(), zap.NewNop())
	defer c.Close()

	label, err := c.Predict(context.Background(), models.FeatureVector{
		Timestamp: 42,
		Values:    map[string]float64{"AccX_mean": 0.25},
	})
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	if label != "AGGRESSIVE" {
		t.Fatalf("label: got %q", label)
	}
}

func TestPredictRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(PredictResponse{Behavior: "NORMAL"})
	})

	c := NewClient(srv.URL, testConfig(), zap.NewNop())
	defer c.Close()

	label, err := c.Predict(context.Background(), models.FeatureVector{})
	if err != nil || label != "NORMAL" {
		t.Fatalf("Predict: %q %v", label, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPredictGivesUp(t *testing.T) {
	srv := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	})
	c := NewClient(srv.URL, testConfig(), zap.NewNop())
	defer c.Close()

	if _, err := c.Predict(context.Background(), models.FeatureVector{}); err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
}

func TestPredictFailsFastWhenUnhealthy(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", testConfig(), zap.NewNop())
	defer c.Close()

	if c.Healthy() {
		t.Fatalf("client should be unhealthy when the service is unreachable")
	}
	if _, err := c.Predict(context.Background(), models.FeatureVector{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGetModelInfo(t *testing.T) {
	srv := newTestService(t, nil)
	c := NewClient(srv.URL, testConfig(), zap.NewNop())
	defer c.Close()

	info, err := c.GetModelInfo(context.Background())
	if err != nil {
		t.Fatalf("GetModelInfo error: %v", err)
	}
	if info["version"] != "rf-3" {
		t.Fatalf("unexpected info %v", info)
	}
}
