package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/db"
	"github.com/thatsimonsguy/roof-controller/internal/device"
	"github.com/thatsimonsguy/roof-controller/internal/dome"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/protocol"
	"github.com/thatsimonsguy/roof-controller/internal/relay"
)

var errNoDome = errors.New("no dome device configured")

type Server struct {
	sessions map[string]*device.Session
	order    []*device.Session
	dome     *device.Session
	hub      *Hub
	db       *sql.DB
	router   *mux.Router
}

type AuthRequest struct {
	Password string `json:"password"`
}

type AuthResponse struct {
	Level  int    `json:"level"`
	Access string `json:"access"`
}

type OutletsRequest struct {
	Values []bool `json:"values"`
}

type OutletRequest struct {
	On bool `json:"on"`
}

type PulseLengthsRequest struct {
	Values map[model.RelayID]uint32 `json:"values"`
}

type RelayNamesRequest struct {
	Names map[model.RelayID]string `json:"names"`
}

type SensorNamesRequest struct {
	Names map[model.SensorID]string `json:"names"`
}

type WiringRequest struct {
	Wiring string `json:"wiring"`
}

type RoofResponse struct {
	State model.RoofState `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer routes requests to the sessions. database may be nil, in which
// case saving is refused.
func NewServer(sessions []*device.Session, hub *Hub, database *sql.DB) *Server {
	s := &Server{
		sessions: map[string]*device.Session{},
		order:    sessions,
		hub:      hub,
		db:       database,
	}
	for _, sess := range sessions {
		s.sessions[sess.Name()] = sess
		if sess.Personality() == model.PersonalityDome {
			s.dome = sess
		}
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.HandleFunc("/api/devices", s.getDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{name}", s.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{name}/connect", s.connect).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{name}/disconnect", s.disconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{name}/auth", s.authenticate).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{name}/outlets", s.setOutlets).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{name}/outlets/{id:[0-9]+}", s.setOutlet).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{name}/pulse-lengths", s.setPulseLengths).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{name}/relay-names", s.setRelayNames).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{name}/sensor-names", s.setSensorNames).Methods(http.MethodPut)

	r.HandleFunc("/api/dome", s.getRoof).Methods(http.MethodGet)
	r.HandleFunc("/api/dome/open", s.shutter(model.RoofOpened)).Methods(http.MethodPost)
	r.HandleFunc("/api/dome/close", s.shutter(model.RoofClosed)).Methods(http.MethodPost)
	r.HandleFunc("/api/dome/abort", s.abort).Methods(http.MethodPost)
	r.HandleFunc("/api/dome/settings", s.setDomeSettings).Methods(http.MethodPut)
	r.HandleFunc("/api/dome/wiring", s.setWiring).Methods(http.MethodPut)

	r.HandleFunc("/api/config/save", s.saveConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/properties", s.getProperties).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", hub.ServeWS).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*device.Session, bool) {
	name := mux.Vars(r)["name"]
	sess, ok := s.sessions[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	out := make([]device.Status, 0, len(s.order))
	for _, sess := range s.order {
		out = append(out, sess.Status())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Connect(); err != nil {
		log.Error().Err(err).Str("device", sess.Name()).Msg("Connect failed")
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Disconnect()
	s.writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req AuthRequest
	if !s.decode(w, r, &req) {
		return
	}
	level, err := sess.Authenticate(req.Password)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AuthResponse{Level: int(level), Access: level.String()})
}

func (s *Server) setOutlets(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req OutletsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Values) != model.NumChannels {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d outlet values", model.NumChannels))
		return
	}
	var levels relay.Levels
	copy(levels[:], req.Values)
	if err := sess.SetOutlets(levels); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setOutlet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var id int
	fmt.Sscanf(mux.Vars(r)["id"], "%d", &id)
	var req OutletRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SetOutlet(model.RelayID(id), req.On); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setPulseLengths(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req PulseLengthsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SetPulseLengths(req.Values); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setRelayNames(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req RelayNamesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SetRelayNames(req.Names); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setSensorNames(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req SensorNamesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SetSensorNames(req.Names); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) roof(w http.ResponseWriter) (*dome.Dome, bool) {
	if s.dome == nil {
		s.writeFailure(w, errNoDome)
		return nil, false
	}
	roof, err := s.dome.Dome()
	if err != nil {
		s.writeFailure(w, err)
		return nil, false
	}
	return roof, true
}

func (s *Server) getRoof(w http.ResponseWriter, r *http.Request) {
	roof, ok := s.roof(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, RoofResponse{State: roof.State()})
}

func (s *Server) shutter(target model.RoofState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roof, ok := s.roof(w)
		if !ok {
			return
		}
		if err := roof.RequestShutter(target); err != nil {
			log.Warn().Err(err).Str("target", string(target)).Msg("Shutter request refused")
			s.writeFailure(w, err)
			return
		}
		log.Info().Str("target", string(target)).Msg("Shutter request accepted via API")
		s.writeJSON(w, http.StatusAccepted, RoofResponse{State: roof.State()})
	}
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	roof, ok := s.roof(w)
	if !ok {
		return
	}
	if err := roof.RequestAbort(); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoofResponse{State: roof.State()})
}

func (s *Server) setDomeSettings(w http.ResponseWriter, r *http.Request) {
	if s.dome == nil {
		s.writeFailure(w, errNoDome)
		return
	}
	var req model.DomeSettings
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dome.SetDomeSettings(req); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setWiring(w http.ResponseWriter, r *http.Request) {
	if s.dome == nil {
		s.writeFailure(w, errNoDome)
		return
	}
	var req WiringRequest
	if !s.decode(w, r, &req) {
		return
	}
	wiring, err := model.ParseButtonWiring(req.Wiring)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dome.SetWiring(wiring); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No database configured")
		return
	}
	profiles := make([]model.Profile, 0, len(s.order))
	for _, sess := range s.order {
		profiles = append(profiles, sess.Profile())
	}
	domeName := ""
	if s.dome != nil {
		domeName = s.dome.Name()
	}
	if err := db.SaveProfiles(s.db, profiles, domeName); err != nil {
		log.Error().Err(err).Msg("Failed to save configuration")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Int("devices", len(profiles)).Msg("Configuration saved via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getProperties(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dome.ErrPrecondition),
		errors.Is(err, dome.ErrClosed),
		errors.Is(err, relay.ErrClosed),
		errors.Is(err, device.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrRefused):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, device.ErrWrongModel):
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrIO):
		return http.StatusServiceUnavailable
	case errors.Is(err, dome.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, device.ErrNotExposed), errors.Is(err, device.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNotDome), errors.Is(err, errNoDome):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
