package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"medsegx/pkg/adapter"
	"medsegx/pkg/backbone"
	"medsegx/pkg/model"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	bb, err := backbone.New(backbone.Config{
		ImgSize:     16,
		PatchSize:   4,
		Chans:       8,
		Depth:       2,
		EmbedChans:  8,
		HiddenDim:   16,
		MaskOutputs: 2,
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	m, err := model.New(bb, adapter.Config{
		ExpertNum:     2,
		BottleneckDim: 4,
		EmbeddingDim:  8,
		Scale:         0.5,
	}, nil, 2)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	s, err := New(m, zap.NewNop())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router := testServer(t).Router()
	w := doJSON(t, router, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Adapters != 2 || resp.ImgSize != 16 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestInferEndpoint(t *testing.T) {
	router := testServer(t).Router()

	img := make([]float32, 3*16*16)
	for i := range img {
		img[i] = float32(i % 255)
	}
	req := InferRequest{
		Task:  "CT_Liver_01",
		Image: img,
		Box:   [4]float32{2, 2, 13, 13},
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/infer", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp InferResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Masks) != 2 {
		t.Fatalf("got %d candidate masks, want 2", len(resp.Masks))
	}
	if len(resp.Masks[0]) != 16*16 {
		t.Fatalf("mask has %d pixels, want %d", len(resp.Masks[0]), 16*16)
	}
	if resp.OpenWorld {
		t.Error("known task flagged as open-world")
	}
	if len(resp.Gates) != 2 {
		t.Fatalf("got gates for %d blocks, want 2", len(resp.Gates))
	}
	for pos, g := range resp.Gates {
		if len(g) != 2 {
			t.Errorf("block %d gate has %d entries, want 2", pos, len(g))
		}
	}
}

func TestInferOpenWorldTask(t *testing.T) {
	router := testServer(t).Router()
	req := InferRequest{
		Task:  "CT_Kidney_Cyst_01",
		Image: make([]float32, 3*16*16),
		Box:   [4]float32{2, 2, 13, 13},
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/infer", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp InferResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OpenWorld {
		t.Error("unseen task not flagged as open-world")
	}
}

func TestInferRejectsBadRequests(t *testing.T) {
	router := testServer(t).Router()

	t.Run("wrong image size", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/infer", InferRequest{
			Task:  "CT_Liver_01",
			Image: make([]float32, 10),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", w.Code)
		}
	})
	t.Run("unknown modality", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/infer", InferRequest{
			Task:  "SPECT_Liver_01",
			Image: make([]float32, 3*16*16),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", w.Code)
		}
	})
	t.Run("missing body", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/infer", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", w.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)
	router := s.Router()

	doJSON(t, router, http.MethodPost, "/api/v1/infer", InferRequest{
		Task:  "CT_Liver_01",
		Image: make([]float32, 3*16*16),
		Box:   [4]float32{2, 2, 13, 13},
	})

	w := doJSON(t, router, http.MethodGet, "/api/v1/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var resp MetricsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalInferences != 1 || resp.FailedInferences != 0 {
		t.Fatalf("counters %d/%d, want 1/0", resp.TotalInferences, resp.FailedInferences)
	}
}

func TestModelEndpoint(t *testing.T) {
	router := testServer(t).Router()
	w := doJSON(t, router, http.MethodGet, "/api/v1/model", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var resp ModelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.AdapterPositions) != 2 || resp.MaskCandidates != 2 {
		t.Fatalf("unexpected layout: %+v", resp)
	}
	for _, part := range []string{"adapter", "taxonomy", "task_head", "frozen"} {
		if resp.ParamCounts[part] == 0 {
			t.Errorf("partition %s reports zero parameters", part)
		}
	}
	if len(resp.Tasks) == 0 {
		t.Error("no task names reported")
	}
}
