// Package httpapi 关联引擎的管理接口：健康检查、Prometheus 指标、当前报警和病人读数
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"bedside-monitor/internal/models"
	"bedside-monitor/internal/supervisor"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EngineView 管理接口读取的引擎状态
type EngineView interface {
	ActiveAlarms() []models.Alarm
	PatientReadings(patientID int32) ([2]*models.DeviceReading, bool)
	PatientCount() int
	Stats() supervisor.Stats
}

// HealthStatus 健康检查响应
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Patients  int       `json:"patients"`
	Alarms    int       `json:"alarms"`
}

// PatientStatus 病人缓存的两个槽位
type PatientStatus struct {
	PatientID     int32                 `json:"patientId"`
	PulseOximeter *models.DeviceReading `json:"pulseOximeter"`
	ECG           *models.DeviceReading `json:"ecg"`
}

// Handler HTTP 处理器
type Handler struct {
	engine    EngineView
	logger    *zap.Logger
	startTime time.Time
}

// NewHandler 创建处理器
func NewHandler(engine EngineView, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger, startTime: time.Now()}
}

// NewRouter 注册路由
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/alarms", h.AlarmsHandler).Methods(http.MethodGet)
	router.HandleFunc("/patients/{id:[0-9]+}", h.PatientHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// NewServer 创建管理接口 HTTP 服务
func NewServer(addr string, h *Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewRouter(h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HealthHandler GET /health
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).String(),
		Patients:  h.engine.PatientCount(),
		Alarms:    len(h.engine.ActiveAlarms()),
	}, http.StatusOK)
}

// AlarmsHandler GET /alarms 当前存活的报警（按病人 ID 排序）
func (h *Handler) AlarmsHandler(w http.ResponseWriter, r *http.Request) {
	alarms := h.engine.ActiveAlarms()
	if alarms == nil {
		alarms = []models.Alarm{}
	}
	h.respondJSON(w, alarms, http.StatusOK)
}

// PatientHandler GET /patients/{id}
func (h *Handler) PatientHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		h.respondError(w, "invalid patient id", http.StatusBadRequest)
		return
	}
	slots, ok := h.engine.PatientReadings(int32(id))
	if !ok {
		h.respondError(w, "patient not monitored", http.StatusNotFound)
		return
	}
	h.respondJSON(w, PatientStatus{PatientID: int32(id), PulseOximeter: slots[0], ECG: slots[1]}, http.StatusOK)
}

// StatsHandler GET /stats
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.engine.Stats(), http.StatusOK)
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	h.respondJSON(w, map[string]string{"error": message}, status)
}
