package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/protocol"
)

// Server holds the dependencies needed by the REST admin handlers.
type Server struct {
	store Store

	// DefaultProfileByteLength sizes the connection profiles of devices
	// created through the API without their own setting.
	DefaultProfileByteLength int
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store, DefaultProfileByteLength: 4}
}

// handleHealthz responds to GET /healthz. It does not require
// authentication and returns HTTP 200 with a simple JSON body so load
// balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accountDTO is the JSON wire form of model.Account (spec.md §6 "Account:
// id, description, active").
type accountDTO struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// handleGetAccount responds to GET /api/v1/accounts/{accountID}.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	acct, err := s.store.Account(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, accountDTO{
		ID:          acct.GetAccountName(),
		Description: acct.GetDescription(),
		Active:      acct.IsActive(),
	})
}

// handlePutAccount responds to PUT /api/v1/accounts/{accountID}, creating
// or replacing the account record.
func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var body accountDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	acct := &model.Account{ID: accountID, Description: body.Description, Active: body.Active}
	if err := s.store.SaveAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save account")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// limitsDTO is the JSON wire form of model.Limits (spec.md §6 "connection
// limits (six integers)"). LimitIntervalSeconds is the wire encoding of
// model.Limits.LimitInterval, a time.Duration.
type limitsDTO struct {
	MaxTotalSimplex      int   `json:"max_total_simplex"`
	MaxTotalDuplex       int   `json:"max_total_duplex"`
	MaxPerMinuteSimplex  int   `json:"max_per_minute_simplex"`
	MaxPerMinuteDuplex   int   `json:"max_per_minute_duplex"`
	LimitIntervalSeconds int64 `json:"limit_interval_seconds"`
	MaxAllowedEvents     int   `json:"max_allowed_events"`
}

func limitsToDTO(l model.Limits) limitsDTO {
	return limitsDTO{
		MaxTotalSimplex:      l.MaxTotalSimplex,
		MaxTotalDuplex:       l.MaxTotalDuplex,
		MaxPerMinuteSimplex:  l.MaxPerMinuteSimplex,
		MaxPerMinuteDuplex:   l.MaxPerMinuteDuplex,
		LimitIntervalSeconds: int64(l.LimitInterval / time.Second),
		MaxAllowedEvents:     l.MaxAllowedEvents,
	}
}

func (d limitsDTO) toModel() model.Limits {
	return model.Limits{
		MaxTotalSimplex:     d.MaxTotalSimplex,
		MaxTotalDuplex:      d.MaxTotalDuplex,
		MaxPerMinuteSimplex: d.MaxPerMinuteSimplex,
		MaxPerMinuteDuplex:  d.MaxPerMinuteDuplex,
		LimitInterval:       time.Duration(d.LimitIntervalSeconds) * time.Second,
		MaxAllowedEvents:    d.MaxAllowedEvents,
	}
}

// deviceDTO is the JSON wire form of model.Device's administrative fields
// (spec.md §6 "Device: account id, device id, description, active,
// connection limits").
type deviceDTO struct {
	AccountID   string    `json:"account_id"`
	DeviceID    string    `json:"device_id"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Limits      limitsDTO `json:"limits"`
}

// handleGetDevice responds to GET /api/v1/devices/{accountID}/{deviceID}.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID := chi.URLParam(r, "accountID"), chi.URLParam(r, "deviceID")
	dev, err := s.store.Device(r.Context(), accountID, deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, deviceDTO{
		AccountID:   dev.AccountID,
		DeviceID:    dev.DeviceID,
		Description: dev.Description,
		Active:      dev.Active,
		Limits:      limitsToDTO(dev.Limits),
	})
}

// handlePutDevice responds to PUT /api/v1/devices/{accountID}/{deviceID},
// creating the device (with fresh connection profiles) if it does not
// already exist, or updating its description, active flag, and policy
// limits in place when it does — existing connection profiles and
// negotiated templates are preserved across an update.
func (s *Server) handlePutDevice(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID := chi.URLParam(r, "accountID"), chi.URLParam(r, "deviceID")

	var body deviceDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	dev, err := s.store.Device(r.Context(), accountID, deviceID)
	if err != nil {
		dev = model.NewDevice(accountID, deviceID, s.DefaultProfileByteLength)
	}
	dev.Description = body.Description
	dev.Active = body.Active
	dev.Limits = body.Limits.toModel()

	if err := s.store.SaveDevice(r.Context(), dev); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save device")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// fieldDTO is the JSON wire form of protocol.Field.
type fieldDTO struct {
	Type       byte   `json:"type"`
	Resolution string `json:"resolution"` // "H" or "L"
	ArrayIndex int    `json:"array_index"`
	ByteLength int    `json:"byte_length"`
}

// templateDTO is the JSON wire form of protocol.Template (spec.md §6
// "Event template: (account, device, packet type) → serialized field list +
// repeatLast flag").
type templateDTO struct {
	CustomType byte       `json:"custom_type"`
	RepeatLast bool       `json:"repeat_last"`
	Fields     []fieldDTO `json:"fields"`
}

func templateToDTO(t protocol.Template) templateDTO {
	fields := make([]fieldDTO, len(t.Fields))
	for i, f := range t.Fields {
		fields[i] = fieldDTO{
			Type:       byte(f.Type),
			Resolution: f.Resolution.String(),
			ArrayIndex: f.ArrayIndex,
			ByteLength: f.ByteLength,
		}
	}
	return templateDTO{CustomType: t.CustomType, RepeatLast: t.RepeatLast, Fields: fields}
}

func (d templateDTO) toModel() (protocol.Template, error) {
	fields := make([]protocol.Field, len(d.Fields))
	for i, fd := range d.Fields {
		var res protocol.Resolution
		switch fd.Resolution {
		case "H", "h":
			res = protocol.HighResolution
		case "L", "l", "":
			res = protocol.LowResolution
		default:
			return protocol.Template{}, errInvalidResolution(fd.Resolution)
		}
		fields[i] = protocol.Field{
			Type:       protocol.FieldType(fd.Type),
			Resolution: res,
			ArrayIndex: fd.ArrayIndex,
			ByteLength: fd.ByteLength,
		}
	}
	return protocol.NewTemplate(d.CustomType, fields, d.RepeatLast), nil
}

type errInvalidResolution string

func (e errInvalidResolution) Error() string {
	return "resolution must be \"H\" or \"L\", got " + string(e)
}

// handleGetTemplate responds to
// GET /api/v1/devices/{accountID}/{deviceID}/templates/{customType}.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID := chi.URLParam(r, "accountID"), chi.URLParam(r, "deviceID")
	customType, ok := parseCustomType(w, r)
	if !ok {
		return
	}

	tmpl, found, err := s.store.Template(r.Context(), accountID, deviceID, customType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up template")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "template not registered for this custom type")
		return
	}
	writeJSON(w, http.StatusOK, templateToDTO(tmpl))
}

// handlePutTemplate responds to
// PUT /api/v1/devices/{accountID}/{deviceID}/templates/{customType},
// registering or replacing the negotiated template (spec.md §4.H "Template
// persistence: round-trip a template").
func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID := chi.URLParam(r, "accountID"), chi.URLParam(r, "deviceID")
	customType, ok := parseCustomType(w, r)
	if !ok {
		return
	}

	var body templateDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	body.CustomType = customType

	tmpl, err := body.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveTemplate(r.Context(), accountID, deviceID, customType, tmpl); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save template")
		return
	}
	writeJSON(w, http.StatusOK, templateToDTO(tmpl))
}

func parseCustomType(w http.ResponseWriter, r *http.Request) (byte, bool) {
	raw := chi.URLParam(r, "customType")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 255 {
		writeError(w, http.StatusBadRequest, "custom type must be an integer in [0,255]")
		return 0, false
	}
	return byte(n), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
