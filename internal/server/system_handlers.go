package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantkit/augur/internal/database"
	"github.com/quantkit/augur/internal/hub"
)

// SystemHandlers handles system-wide monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
	db          *database.DB
	hub         *hub.Hub
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(db *database.DB, h *hub.Hub, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		startupTime: time.Now(),
		db:          db,
		hub:         h,
	}
}

// HandleHealth is the liveness probe: a database ping by default, or a full
// integrity check with ?deep=1.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	check := h.db.QuickCheck
	if r.URL.Query().Get("deep") == "1" {
		check = h.db.HealthCheck
	}

	if err := check(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// SystemStatusResponse represents the system status response
type SystemStatusResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`

	Connections   int `json:"ws_connections"`
	Subscriptions int `json:"ws_subscriptions"`

	DatabaseSizeMB float64 `json:"database_size_mb"`
	WALSizeMB      float64 `json:"wal_size_mb"`

	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	DiskFreeMB  float64 `json:"disk_free_mb"`
	DiskUsedPct float64 `json:"disk_used_pct"`
}

// HandleSystemStatus returns process, database and connection statistics.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	resp := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
	}

	resp.Connections, resp.Subscriptions = h.hub.Counts()

	if stats, err := h.db.GetStats(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get database stats")
	} else {
		resp.DatabaseSizeMB = float64(stats.SizeBytes) / 1024 / 1024
		resp.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
	}

	cpuPercent, ramPercent := h.getSystemStats()
	resp.CPUPercent = cpuPercent
	resp.RAMPercent = ramPercent

	if usage, err := disk.Usage(h.db.Path()); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get disk usage")
	} else {
		resp.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		resp.DiskUsedPct = usage.UsedPercent
	}

	writeJSON(w, http.StatusOK, resp)
}

// getSystemStats calculates CPU and RAM usage percentages.
// Samples CPU over 100ms to keep the endpoint fast.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
