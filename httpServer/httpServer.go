package httpServer

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vcansim/internal/analyzer"
	"vcansim/internal/bus"
	"vcansim/internal/decode"
	"vcansim/internal/metrics"
	"vcansim/internal/observer"
	"vcansim/internal/recorder"
	"vcansim/internal/storage"
	"vcansim/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the HTTP server with dependencies
type Server struct {
	router   *gin.Engine
	bus      *bus.Bus
	observer *observer.Observer
	analyzer *analyzer.Analyzer
	decoder  *decode.Decoder
	recorder *recorder.Recorder
	player   *recorder.Player
	store    storage.Storage
	metrics  *metrics.Metrics
}

// New creates a new HTTP server
func New(b *bus.Bus, obs *observer.Observer, an *analyzer.Analyzer, dec *decode.Decoder, rec *recorder.Recorder, pl *recorder.Player, store storage.Storage, m *metrics.Metrics) *Server {
	s := &Server{
		bus:      b,
		observer: obs,
		analyzer: an,
		decoder:  dec,
		recorder: rec,
		player:   pl,
		store:    store,
		metrics:  m,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.Default()
	if s.metrics != nil {
		router.Use(s.metricsMiddleware())
	}

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/transmit", s.handleTransmit)
		api.GET("/v1/summary", s.handleSummary)
		api.GET("/v1/statistics", s.handleStatistics)
		api.GET("/v1/statistics/:id", s.handleStatisticsByID)
		api.GET("/v1/events", s.handleEvents)
		api.GET("/v1/decode/unknown", s.handleUnknownIDs)
		api.GET("/v1/recordings", s.handleListRecordings)
		api.GET("/v1/recordings/:name", s.handleDownloadRecording)
		api.POST("/v1/recorder/start", s.handleRecorderStart)
		api.POST("/v1/recorder/stop", s.handleRecorderStop)
		api.POST("/v1/recorder/save", s.handleRecorderSave)
		api.POST("/v1/playback/load", s.handlePlaybackLoad)
		api.POST("/v1/playback/play", s.handlePlaybackPlay)
		api.POST("/v1/playback/pause", s.handlePlaybackPause)
		api.POST("/v1/playback/stop", s.handlePlaybackStop)
		api.GET("/v1/playback/progress", s.handlePlaybackProgress)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// metricsMiddleware records request counts and latencies per route.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleTransmit(c *gin.Context) {
	var req models.TransmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := parseHexID(req.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid data_hex"})
		return
	}

	var frame models.Frame
	if req.IsRemote {
		frame, err = models.NewRemoteFrame(id, len(data), req.IsExtended)
	} else {
		frame, err = models.NewFrame(id, data, req.IsExtended)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted := s.bus.Transmit(frame)
	c.JSON(http.StatusOK, models.TransmitResponse{
		Accepted: accepted,
		ID:       fmt.Sprintf("0x%X", id),
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	busStats := s.bus.Statistics()
	obsSummary := s.observer.Summary()
	anSummary := s.analyzer.Summary()

	c.JSON(http.StatusOK, gin.H{
		"bus": gin.H{
			"transmitted":       busStats.FramesTransmitted,
			"bytes":             busStats.BytesTransmitted,
			"dropped":           busStats.FramesDropped,
			"frames_per_second": busStats.FramesPerSecond(),
		},
		"observer": gin.H{
			"total_frames":    obsSummary.TotalFrames,
			"unique_ids":      obsSummary.UniqueIDs,
			"buffered_frames": obsSummary.BufferedFrames,
			"duration_ms":     float64(obsSummary.ObservationDuration) / float64(time.Millisecond),
		},
		"analyzer": gin.H{
			"total_events":  anSummary.TotalEvents,
			"by_severity":   anSummary.BySeverity,
			"monitored_ids": anSummary.MonitoredIDs,
		},
	})
}

func (s *Server) handleStatistics(c *gin.Context) {
	stats := s.observer.Statistics()
	entries := make([]models.StatisticsEntry, 0, len(stats))
	for id, st := range stats {
		entries = append(entries, statsToEntry(id, st))
	}
	c.JSON(http.StatusOK, gin.H{"statistics": entries, "total": len(entries)})
}

func (s *Server) handleStatisticsByID(c *gin.Context) {
	id, err := parseHexID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st, ok := s.observer.StatisticsFor(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "arbitration id not observed"})
		return
	}
	c.JSON(http.StatusOK, statsToEntry(id, st))
}

func (s *Server) handleEvents(c *gin.Context) {
	events := s.analyzer.Events()
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func (s *Server) handleUnknownIDs(c *gin.Context) {
	ids := s.decoder.UnknownIDs()
	hexIDs := make([]string, len(ids))
	for i, id := range ids {
		hexIDs[i] = fmt.Sprintf("0x%X", id)
	}
	c.JSON(http.StatusOK, gin.H{"unknown_ids": hexIDs, "total": len(hexIDs)})
}

func (s *Server) handleListRecordings(c *gin.Context) {
	files, err := s.store.List("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.RecordingListResponse{Recordings: files, Total: len(files)})
}

func (s *Server) handleDownloadRecording(c *gin.Context) {
	name := c.Param("name")
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recording name"})
		return
	}

	rs, err := s.store.ReadSeeker(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	}
	if closer, ok := rs.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	http.ServeContent(c.Writer, c.Request, name, time.Time{}, rs)
}

func (s *Server) handleRecorderStart(c *gin.Context) {
	var req models.RecorderRequest
	c.ShouldBindJSON(&req)

	if s.recorder.IsRecording() {
		c.JSON(http.StatusConflict, gin.H{"error": "already recording"})
		return
	}
	s.recorder.Start(req.Description)
	c.JSON(http.StatusOK, gin.H{"message": "recording started"})
}

func (s *Server) handleRecorderStop(c *gin.Context) {
	if !s.recorder.IsRecording() {
		c.JSON(http.StatusConflict, gin.H{"error": "not recording"})
		return
	}
	meta := s.recorder.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "recording stopped", "metadata": meta})
}

func (s *Server) handleRecorderSave(c *gin.Context) {
	var req models.RecorderRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if err := s.recorder.Save(s.store, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recording saved", "name": req.Name})
}

func (s *Server) handlePlaybackLoad(c *gin.Context) {
	var req models.PlaybackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	meta, frames, err := recorder.Load(s.store, req.Name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.player.Load(meta, frames)

	if req.SpeedFactor != 0 {
		if err := s.player.SetSpeedFactor(req.SpeedFactor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "recording loaded", "frames": len(frames), "metadata": meta})
}

func (s *Server) handlePlaybackPlay(c *gin.Context) {
	s.player.Play()
	if s.metrics != nil {
		s.metrics.RecordPlaybackStart()
	}
	c.JSON(http.StatusOK, gin.H{"state": s.player.State().String()})
}

func (s *Server) handlePlaybackPause(c *gin.Context) {
	s.player.Pause()
	c.JSON(http.StatusOK, gin.H{"state": s.player.State().String()})
}

func (s *Server) handlePlaybackStop(c *gin.Context) {
	s.player.Stop()
	c.JSON(http.StatusOK, gin.H{"state": s.player.State().String()})
}

func (s *Server) handlePlaybackProgress(c *gin.Context) {
	p := s.player.Progress()
	c.JSON(http.StatusOK, models.ProgressResponse{
		State:         p.State.String(),
		CurrentFrame:  p.CurrentFrame,
		TotalFrames:   p.TotalFrames,
		Percent:       p.Percent(),
		ElapsedMs:     float64(p.Elapsed) / float64(time.Millisecond),
		TotalDuration: float64(p.TotalDuration) / float64(time.Millisecond),
	})
}

// Helper functions

func parseHexID(raw string) (uint32, error) {
	s := strings.TrimPrefix(strings.ToLower(raw), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid arbitration id %q", raw)
	}
	return uint32(v), nil
}

func statsToEntry(id uint32, st models.MessageStatistics) models.StatisticsEntry {
	entry := models.StatisticsEntry{
		ID:         fmt.Sprintf("0x%X", id),
		Count:      st.Count,
		TotalBytes: st.TotalBytes,
		FirstSeen:  st.FirstSeen.Format(time.RFC3339Nano),
		LastSeen:   st.LastSeen.Format(time.RFC3339Nano),
	}
	if avg, ok := st.AverageInterval(); ok {
		entry.AverageInterval = float64(avg) / float64(time.Millisecond)
	}
	if st.HasInterval {
		entry.MinInterval = float64(st.MinInterval) / float64(time.Millisecond)
		entry.MaxInterval = float64(st.MaxInterval) / float64(time.Millisecond)
	}
	return entry
}
