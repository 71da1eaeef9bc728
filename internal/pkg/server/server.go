package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/moen-integration/internal/pkg/auth"
	"github.com/anicoll/moen-integration/internal/pkg/dispatch"
	"github.com/anicoll/moen-integration/internal/pkg/model"
	"github.com/anicoll/moen-integration/internal/pkg/rest"
)

type commandService interface {
	SetPower(ctx context.Context, deviceID string, mode model.PowerMode) error
	SetTemperature(ctx context.Context, deviceID string, target float64) error
	ActivatePreset(ctx context.Context, deviceID string, position int) error
	SetOutlet(ctx context.Context, deviceID string, position int, open bool) error
}

type catalog interface {
	Devices() []model.Device
	Device(id string) (model.Device, bool)
}

type stateReader interface {
	Get(deviceID string) (model.DeviceState, bool)
}

type server struct {
	commands commandService
	catalog  catalog
	states   stateReader
	discover func(ctx context.Context) error
	logger   *zap.Logger
}

func New(commands commandService, cat catalog, states stateReader, discover func(ctx context.Context) error) *server {
	return &server{
		commands: commands,
		catalog:  cat,
		states:   states,
		discover: discover,
		logger:   zap.L(),
	}
}

func (s *server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", s.getDevices)
	mux.HandleFunc("GET /devices/{id}/state", s.getState)
	mux.HandleFunc("POST /devices/{id}/power", s.postPower)
	mux.HandleFunc("POST /devices/{id}/temperature", s.postTemperature)
	mux.HandleFunc("POST /devices/{id}/preset", s.postPreset)
	mux.HandleFunc("POST /devices/{id}/outlet", s.postOutlet)
	mux.HandleFunc("POST /discover", s.postDiscover)
	return LoggingMiddleware(mux)
}

type devicePayload struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	FirmwareVersion string       `json:"firmware_version"`
	MinTemperature  float64      `json:"min_temperature"`
	MaxTemperature  float64      `json:"max_temperature"`
	Outlets         []outletInfo `json:"outlets,omitempty"`
	Presets         []presetInfo `json:"presets,omitempty"`
}

type outletInfo struct {
	Position int    `json:"position"`
	Label    string `json:"label"`
}

type presetInfo struct {
	Position          int     `json:"position"`
	Label             string  `json:"label"`
	TargetTemperature float64 `json:"target_temperature"`
}

type statePayload struct {
	Power              string       `json:"power"`
	CurrentTemperature float64      `json:"current_temperature"`
	TargetTemperature  float64      `json:"target_temperature"`
	ActivePreset       int          `json:"active_preset"`
	TimeRemaining      *int         `json:"time_remaining,omitempty"`
	Outlets            map[int]bool `json:"outlets,omitempty"`
	BatteryLevel       *int         `json:"battery_level,omitempty"`
	Available          bool         `json:"available"`
	LastUpdated        time.Time    `json:"last_updated"`
	Source             string       `json:"source"`
}

func (s *server) getDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.catalog.Devices()
	out := make([]devicePayload, 0, len(devices))
	for _, d := range devices {
		p := devicePayload{
			ID:              d.ID,
			Name:            d.Name,
			FirmwareVersion: d.FirmwareVersion,
			MinTemperature:  d.MinTemperature,
			MaxTemperature:  d.MaxTemperature,
		}
		for _, o := range d.Outlets {
			p.Outlets = append(p.Outlets, outletInfo{Position: o.Position, Label: o.Label})
		}
		for _, pr := range d.Presets {
			p.Presets = append(p.Presets, presetInfo{
				Position:          pr.Position,
				Label:             pr.Label,
				TargetTemperature: pr.TargetTemperature,
			})
		}
		out = append(out, p)
	}
	writeJSON(w, out)
}

func (s *server) getState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.catalog.Device(id); !ok {
		handleError(w, dispatch.ErrNotFound)
		return
	}
	state, ok := s.states.Get(id)
	if !ok {
		handleError(w, errors.New("no state observed yet"))
		return
	}
	p := statePayload{
		Power:              state.Power.String(),
		CurrentTemperature: state.CurrentTemperature,
		TargetTemperature:  state.TargetTemperature,
		ActivePreset:       state.ActivePreset,
		Outlets:            state.OutletStates,
		BatteryLevel:       state.BatteryLevel,
		Available:          state.Available,
		LastUpdated:        state.LastUpdated,
		Source:             string(state.LastSource),
	}
	if state.TimeRemaining != nil {
		secs := int(state.TimeRemaining.Seconds())
		p.TimeRemaining = &secs
	}
	writeJSON(w, p)
}

func (s *server) postPower(w http.ResponseWriter, r *http.Request) {
	req, err := unmarshalPayload[struct {
		Mode string `json:"mode"`
	}](r)
	if err != nil {
		handleBadRequest(w, err)
		return
	}
	mode, err := model.ParsePowerMode(req.Mode)
	if err != nil {
		handleBadRequest(w, err)
		return
	}
	if err := s.commands.SetPower(r.Context(), r.PathValue("id"), mode); err != nil {
		handleError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *server) postTemperature(w http.ResponseWriter, r *http.Request) {
	req, err := unmarshalPayload[struct {
		Target float64 `json:"target_temperature"`
	}](r)
	if err != nil {
		handleBadRequest(w, err)
		return
	}
	if err := s.commands.SetTemperature(r.Context(), r.PathValue("id"), req.Target); err != nil {
		handleError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *server) postPreset(w http.ResponseWriter, r *http.Request) {
	req, err := unmarshalPayload[struct {
		Position int `json:"position"`
	}](r)
	if err != nil {
		handleBadRequest(w, err)
		return
	}
	if err := s.commands.ActivatePreset(r.Context(), r.PathValue("id"), req.Position); err != nil {
		handleError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *server) postOutlet(w http.ResponseWriter, r *http.Request) {
	req, err := unmarshalPayload[struct {
		Position int  `json:"position"`
		Active   bool `json:"active"`
	}](r)
	if err != nil {
		handleBadRequest(w, err)
		return
	}
	if err := s.commands.SetOutlet(r.Context(), r.PathValue("id"), req.Position, req.Active); err != nil {
		handleError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *server) postDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.discover(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	s.logger.Info("discovery triggered", zap.Int("devices", len(s.catalog.Devices())))
	writeSuccess(w)
}

func handleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrOutOfRange):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, rest.ErrUnreachable), errors.Is(err, auth.ErrRefreshFailed):
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

func handleBadRequest(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(err.Error()))
}

func writeSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("success"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

func unmarshalPayload[T any](r *http.Request) (*T, error) {
	var out T
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
