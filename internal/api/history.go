package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agrowatch/internal/model"
	"agrowatch/internal/storage"
)

// HistoryHandler serves devices, dispatch records and readings
type HistoryHandler struct {
	store Store
}

// NewHistoryHandler creates new history handler
func NewHistoryHandler(store Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// Dispatch handles GET /api/dispatches/{correlationId}
func (h *HistoryHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetDispatch(chi.URLParam(r, "correlationId"))
	if err != nil {
		writeStoreError(w, err, "dispatch not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Devices handles GET /api/devices
func (h *HistoryHandler) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices()
	if err != nil {
		writeStoreError(w, err, "no devices")
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// Device handles GET /api/devices/{deviceId}
func (h *HistoryHandler) Device(w http.ResponseWriter, r *http.Request) {
	dev, err := h.store.GetDevice(chi.URLParam(r, "deviceId"))
	if err != nil {
		writeStoreError(w, err, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// DeviceDispatches handles GET /api/devices/{deviceId}/dispatches?from=RFC3339&to=RFC3339
// The range defaults to the last 24 hours.
func (h *HistoryHandler) DeviceDispatches(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	q := r.URL.Query()
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: expected RFC3339")
			return
		}
		to = t
		if q.Get("from") == "" {
			from = to.Add(-24 * time.Hour)
		}
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: expected RFC3339")
			return
		}
		from = t
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}

	deviceID := chi.URLParam(r, "deviceId")
	records, err := h.store.ListDispatches(deviceID, from, to)
	if err != nil {
		writeStoreError(w, err, "device not found")
		return
	}
	if records == nil {
		records = []model.DispatchRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deviceId":   deviceID,
		"from":       from,
		"to":         to,
		"dispatches": records,
	})
}

// Readings handles GET /api/sensors/{sensorId}/readings?limit=100
func (h *HistoryHandler) Readings(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorId")
	readings, err := h.store.GetReadings(sensorID, queryLimit(r, 100, 1000))
	if err != nil {
		writeStoreError(w, err, "sensor not found")
		return
	}
	if readings == nil {
		readings = []model.Reading{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensorId": sensorID,
		"readings": readings,
	})
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
