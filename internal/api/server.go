// Package api provides the HTTP status and register API of go-sunsynk.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/connector"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/protocol"
	"github.com/resident-x/go-sunsynk/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxRegisterRead bounds on-demand reads. Reads above the connector batch
// size are split into several requests.
const maxRegisterRead = 125

// RegisterClient reads and writes the registers of one inverter.
type RegisterClient interface {
	Read(ctx context.Context, req domain.ReadRequest) domain.ReadOutcome
	Write(ctx context.Context, req domain.WriteRequest) error
	Limits() (maxBatch, allowGap int)
}

// ConnectorSource provides connector statistics.
type ConnectorSource interface {
	Stats() []connector.Stats
}

// LookupFunc finds the register client of a named inverter.
type LookupFunc func(name string) (RegisterClient, bool)

// Server represents the HTTP API server that provides monitoring and register access.
type Server struct {
	config     *config.Config
	server     *http.Server
	router     *mux.Router
	registry   domain.Registry
	connectors ConnectorSource
	lookup     LookupFunc
	converter  *FormatConverter
	logger     zerolog.Logger
	startTime  time.Time
	listener   net.Listener
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.router.Handle("/metrics", handler).Methods(http.MethodGet)
	}
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, registry domain.Registry, connectors ConnectorSource, lookup LookupFunc, opts ...Option) *Server {
	s := &Server{
		config:     cfg,
		router:     mux.NewRouter(),
		registry:   registry,
		connectors: connectors,
		lookup:     lookup,
		converter:  NewFormatConverter(),
		logger:     log.With().Str("component", "api").Logger(),
		startTime:  time.Now(),
	}

	s.setupRoutes()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/connectors", s.handleListConnectors).Methods(http.MethodGet)
	api.HandleFunc("/inverters", s.handleListInverters).Methods(http.MethodGet)
	api.HandleFunc("/inverters/{name}", s.handleGetInverter).Methods(http.MethodGet)
	api.HandleFunc("/inverters/{name}/registers/{address:[0-9]+}", s.handleReadRegisters).Methods(http.MethodGet)
	api.HandleFunc("/inverters/{name}/registers/{address:[0-9]+}", s.handleWriteRegisters).Methods(http.MethodPut)
}

// Start begins listening for HTTP requests. The listener is bound before
// Start returns so bind errors are reported to the caller.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("HTTP API listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	connectorCount := 0
	if s.connectors != nil {
		connectorCount = len(s.connectors.Stats())
	}

	s.writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"version":        "dev",
		"uptime":         time.Since(s.startTime).String(),
		"inverterCount":  len(s.registry.GetAllInverters()),
		"connectorCount": connectorCount,
	}, http.StatusOK)
}

func (s *Server) handleListConnectors(w http.ResponseWriter, _ *http.Request) {
	stats := []connector.Stats{}
	if s.connectors != nil {
		stats = s.connectors.Stats()
	}
	s.writeJSON(w, map[string]interface{}{
		"connectors": stats,
		"count":      len(stats),
	}, http.StatusOK)
}

func (s *Server) handleListInverters(w http.ResponseWriter, _ *http.Request) {
	inverters := s.registry.GetAllInverters()
	sort.Slice(inverters, func(i, j int) bool { return inverters[i].Name < inverters[j].Name })

	result := make([]map[string]interface{}, 0, len(inverters))
	for _, inv := range inverters {
		result = append(result, inverterSummary(inv))
	}

	s.writeJSON(w, map[string]interface{}{
		"inverters": result,
		"count":     len(result),
	}, http.StatusOK)
}

func (s *Server) handleGetInverter(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	inv, found := s.registry.GetInverter(name)
	if !found {
		s.writeError(w, "Inverter not found", http.StatusNotFound)
		return
	}

	response := inverterSummary(inv)
	if inv.LastState != nil {
		response["values"] = inv.LastState.Values
		response["unavailable"] = inv.LastState.Unavailable
		response["serialNr"] = inv.LastState.SerialNr
	}
	if inv.LastCycle != nil {
		response["lastCycle"] = map[string]interface{}{
			"started":     inv.LastCycle.Started,
			"duration":    inv.LastCycle.Finished.Sub(inv.LastCycle.Started).String(),
			"requests":    inv.LastCycle.Requests,
			"available":   len(inv.LastCycle.Values),
			"unavailable": len(inv.LastCycle.Unavailable),
		}
	}
	s.writeJSON(w, response, http.StatusOK)
}

func inverterSummary(inv *domain.InverterInfo) map[string]interface{} {
	return map[string]interface{}{
		"name":             inv.Name,
		"connector":        inv.Connector,
		"address":          inv.Address.String(),
		"lastContact":      inv.LastContact,
		"cycles":           inv.Cycles,
		"unavailableTotal": inv.UnavailableTotal,
	}
}

// handleReadRegisters reads registers on demand: ?count=N&kind=holding|input&format=dec|hex|text.
func (s *Server) handleReadRegisters(w http.ResponseWriter, r *http.Request) {
	client, address, ok := s.resolve(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	count := 1
	if raw := query.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRegisterRead {
			s.writeError(w, fmt.Sprintf("count must be between 1 and %d", maxRegisterRead), http.StatusBadRequest)
			return
		}
		count = n
	}
	kind, err := domain.ParseRegisterKind(query.Get("kind"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	format, err := s.converter.ParseFormat(query.Get("format"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	r0, err := domain.NewRange(kind, address, uint16(count))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	maxBatch, _ := client.Limits()
	values := make([]uint16, 0, count)
	for _, req := range scheduler.Plan([]domain.RegisterRange{r0}, maxBatch, 0) {
		outcome := client.Read(r.Context(), req)
		if outcome.Err != nil {
			s.writeError(w, outcome.Err.Error(), statusFor(outcome.Err))
			return
		}
		values = append(values, outcome.Values...)
	}

	value, err := s.converter.FormatWords(values, format)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"address": address,
		"count":   count,
		"kind":    kind.String(),
		"format":  format,
		"value":   value,
	}, http.StatusOK)
}

type writeBody struct {
	Value  string `json:"value"`
	Format string `json:"format"`
}

// handleWriteRegisters writes holding registers from {"value": "...", "format": "dec|hex|text"}.
func (s *Server) handleWriteRegisters(w http.ResponseWriter, r *http.Request) {
	client, address, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var body writeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	format, err := s.converter.ParseFormat(body.Format)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	words, err := s.converter.EncodeValue(body.Value, format)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(words) > protocol.MaxWriteQuantity {
		s.writeError(w, fmt.Sprintf("value needs %d registers, at most %d can be written at once", len(words), protocol.MaxWriteQuantity), http.StatusBadRequest)
		return
	}
	if _, err := domain.NewRange(domain.KindHolding, address, uint16(len(words))); err != nil {
		s.writeError(w, "value does not fit the register space", http.StatusBadRequest)
		return
	}

	if err := client.Write(r.Context(), domain.WriteRequest{Start: address, Values: words}); err != nil {
		s.writeError(w, err.Error(), statusFor(err))
		return
	}

	s.logger.Info().
		Str("inverter", mux.Vars(r)["name"]).
		Uint16("address", address).
		Int("count", len(words)).
		Msg("Registers written")
	s.writeJSON(w, map[string]interface{}{
		"address": address,
		"count":   len(words),
		"status":  "written",
	}, http.StatusOK)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (RegisterClient, uint16, bool) {
	vars := mux.Vars(r)

	var client RegisterClient
	found := false
	if s.lookup != nil {
		client, found = s.lookup(vars["name"])
	}
	if !found {
		s.writeError(w, "Inverter not found", http.StatusNotFound)
		return nil, 0, false
	}

	address, err := strconv.ParseUint(vars["address"], 10, 16)
	if err != nil {
		s.writeError(w, "register address must be between 0 and 65535", http.StatusBadRequest)
		return nil, 0, false
	}
	return client, uint16(address), true
}

// statusFor maps exchange errors to HTTP status codes.
func statusFor(err error) int {
	var protoErr *domain.ProtocolError
	switch {
	case errors.As(err, &protoErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
