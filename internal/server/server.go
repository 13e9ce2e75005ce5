// Package server exposes the adapted model over HTTP: prompted inference,
// health, model layout and runtime metrics.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"medsegx/pkg/model"
	"medsegx/pkg/taxonomy"
	"medsegx/pkg/tensor"
)

// Server wraps a model behind the HTTP API.
type Server struct {
	model    *model.MedSegX
	resolver taxonomy.Resolver
	log      *zap.Logger

	mu               sync.Mutex // model forward is stateful (caches, gates)
	startTime        time.Time
	totalInferences  int64
	failedInferences int64
	totalLatencyNs   int64
}

// New creates a server around an already-built model. Open-world task
// resolution is enabled so unseen task names fall back to the sentinel
// embedding instead of failing the request.
func New(m *model.MedSegX, logger *zap.Logger) (*Server, error) {
	if m == nil {
		return nil, fmt.Errorf("nil model")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m.SetTraining(false)
	return &Server{
		model:     m,
		resolver:  taxonomy.Resolver{OpenWorldTask: true},
		log:       logger,
		startTime: time.Now(),
	}, nil
}

// Router builds the gin routing table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.POST("/infer", s.handleInfer)
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/model", s.handleModel)
	}
	return router
}

// Run serves the API until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.Info("server listening", zap.String("addr", addr))
	return s.Router().Run(addr)
}

// InferRequest is one prompted segmentation request. Image holds 3*H*W raw
// intensities in channel-major order; Box is x0,y0,x1,y1 in pixels.
type InferRequest struct {
	Task  string     `json:"task" binding:"required"`
	Image []float32  `json:"image" binding:"required"`
	Box   [4]float32 `json:"box"`
}

// InferResponse carries the binarized candidate masks and the expert-gate
// distributions of each adapted block.
type InferResponse struct {
	Task      string            `json:"task"`
	OpenWorld bool              `json:"open_world"`
	Masks     [][]int           `json:"masks"`
	Gates     map[int][]float32 `json:"gates"`
	LatencyMs float64           `json:"latency_ms"`
}

func (s *Server) handleInfer(c *gin.Context) {
	var req InferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	imgSize := s.model.Backbone.Config.ImgSize
	if len(req.Image) != 3*imgSize*imgSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("image must hold %d values, got %d", 3*imgSize*imgSize, len(req.Image)),
		})
		return
	}

	label, err := s.resolver.Resolve(req.Task)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	img, err := tensor.FromSlice(req.Image, 1, 3, imgSize, imgSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	box, _ := tensor.FromSlice(req.Box[:], 1, 1, 4)

	start := time.Now()
	s.mu.Lock()
	logits, err := s.model.Forward(img, box, []taxonomy.Label{label})
	var gates map[int]*tensor.Tensor
	if err == nil {
		gates = s.model.GateActivations()
	}
	s.mu.Unlock()
	latency := time.Since(start)

	s.mu.Lock()
	s.totalInferences++
	s.totalLatencyNs += latency.Nanoseconds()
	if err != nil {
		s.failedInferences++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("inference failed", zap.String("task", req.Task), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	k := logits.Shape[1]
	per := imgSize * imgSize
	masks := make([][]int, k)
	for ki := 0; ki < k; ki++ {
		m := make([]int, per)
		for i, z := range logits.Data[ki*per : (ki+1)*per] {
			if z > 0 {
				m[i] = 1
			}
		}
		masks[ki] = m
	}

	gateOut := make(map[int][]float32, len(gates))
	for pos, g := range gates {
		gateOut[pos] = append([]float32(nil), g.Data...)
	}

	c.JSON(http.StatusOK, InferResponse{
		Task:      req.Task,
		OpenWorld: label.Task == taxonomy.SentinelTaskID(),
		Masks:     masks,
		Gates:     gateOut,
		LatencyMs: float64(latency.Nanoseconds()) / 1e6,
	})
}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	ImgSize  int    `json:"img_size"`
	Adapters int    `json:"adapters"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "healthy",
		Uptime:   time.Since(s.startTime).String(),
		ImgSize:  s.model.Backbone.Config.ImgSize,
		Adapters: len(s.model.AdapterPositions()),
	})
}

// MetricsResponse reports inference counters and host resource usage.
type MetricsResponse struct {
	TotalInferences  int64   `json:"total_inferences"`
	FailedInferences int64   `json:"failed_inferences"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemUsedPercent   float64 `json:"mem_used_percent"`
	Uptime           string  `json:"uptime"`
}

func (s *Server) handleMetrics(c *gin.Context) {
	s.mu.Lock()
	total := s.totalInferences
	failed := s.failedInferences
	latencyNs := s.totalLatencyNs
	s.mu.Unlock()

	avgMs := float64(0)
	if total > 0 {
		avgMs = float64(latencyNs) / float64(total) / 1e6
	}

	resp := MetricsResponse{
		TotalInferences:  total,
		FailedInferences: failed,
		AverageLatencyMs: avgMs,
		Uptime:           time.Since(s.startTime).String(),
	}
	if cpuPercent, err := psutil.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := psmem.VirtualMemory(); err == nil {
		resp.MemUsedPercent = memInfo.UsedPercent
	}
	c.JSON(http.StatusOK, resp)
}

// ModelResponse describes the loaded model layout.
type ModelResponse struct {
	AdapterPositions []int          `json:"adapter_positions"`
	MaskCandidates   int            `json:"mask_candidates"`
	ParamCounts      map[string]int `json:"param_counts"`
	Tasks            []string       `json:"tasks"`
}

func (s *Server) handleModel(c *gin.Context) {
	counts := make(map[string]int)
	for _, p := range s.model.Params() {
		counts[model.PartitionOf(p.Name).String()] += p.Numel()
	}
	c.JSON(http.StatusOK, ModelResponse{
		AdapterPositions: s.model.AdapterPositions(),
		MaskCandidates:   s.model.Backbone.Config.MaskOutputs,
		ParamCounts:      counts,
		Tasks:            taxonomy.TaskNames(),
	})
}
