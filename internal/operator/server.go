// Package operator — server.go
//
// Unix domain socket server for the irrigator engine's operator override
// surface (spec.md §6 "Exposed service calls").
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/irrigator/operator.sock (configurable).
// Permissions: 0600, owned by the daemon's user. Only that user (and
// root) can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"force_phase","zone_id":1,"phase":"P1","reason":"manual ramp","request_id":"..."}
//	  → Forces zone 1 into P1 regardless of its current transition guards.
//	  → Response: {"ok":true,"zone_id":1}
//
//	{"cmd":"execute_shot","zone_id":1,"volume_ml":120,"shot_type":"manual","request_id":"..."}
//	  → Enqueues a one-off shot at Critical priority (spec.md §6 default).
//	  → Response: {"ok":true,"zone_id":1,"volume_ml":120}
//
//	{"cmd":"set_manual_override","zone_id":1,"enable":true,"timeout_sec":3600}
//	  → Suspends normal irrigation decisions for zone 1 until the timeout.
//	  → Response: {"ok":true,"zone_id":1}
//
//	{"cmd":"check_transition_conditions","zone_id":1}
//	  → Dry-run: returns the Decision a tick would produce right now,
//	    without applying it.
//	  → Response: {"ok":true,"zone_id":1,"decision":"Shot","reason":"p2-maintenance","volume_ml":30}
//
//	{"cmd":"clear_unsafe","zone_id":1}
//	  → Clears a zone's latched Unsafe flag (the only way to do so, per
//	    spec.md §7's error-handling design).
//	  → Response: {"ok":true,"zone_id":1}
//
// Idempotency: every request that mutates state (force_phase,
// execute_shot) carries a request_id (a github.com/google/uuid value).
// The server deduplicates by request_id per zone within a 10 minute
// window, matching spec.md §6's "idempotent with respect to repeated
// submission of the same id, where applicable" — a retried request
// returns the cached response rather than re-executing the command.
//
// Security:
//   - Socket is created with 0600 permissions; only its owner (and root)
//     can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldcap/irrigator/internal/zone"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
	idempotencyWindow  = 10 * time.Minute
)

// Engine is the subset of the coordinator the operator surface drives.
// Declared here (not imported from internal/coordinator) because operator
// sits below coordinator in the layering order.
type Engine interface {
	// ForcePhase forces zoneID into phase, bypassing the normal transition
	// table. reason is recorded on the resulting PhaseTransition event.
	ForcePhase(zoneID int, phase zone.Phase, reason string) error

	// ExecuteShot enqueues a one-off shot for zoneID at the given volume
	// and priority.
	ExecuteShot(zoneID int, volumeMl float64, shotType string, priority zone.Priority) error

	// SetManualOverride enables or clears a manual override for zoneID,
	// expiring after timeout when enable is true.
	SetManualOverride(zoneID int, enable bool, timeout time.Duration) error

	// CheckTransitionConditions evaluates (without applying) the decision
	// a tick would produce for zoneID right now.
	CheckTransitionConditions(zoneID int) (zone.Decision, error)

	// ClearUnsafe clears zoneID's latched Unsafe flag.
	ClearUnsafe(zoneID int) error
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd       string  `json:"cmd"`
	ZoneID    int     `json:"zone_id,omitempty"`
	Phase     string  `json:"phase,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	VolumeMl  float64 `json:"volume_ml,omitempty"`
	ShotType  string  `json:"shot_type,omitempty"`
	Enable    bool    `json:"enable,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	ZoneID   int    `json:"zone_id,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
	VolumeMl float64 `json:"volume_ml,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	engine     Engine
	log        *zap.Logger
	sem        chan struct{}

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry // key: zoneID + ":" + requestID
}

type dedupEntry struct {
	resp Response
	at   time.Time
}

// NewServer creates an operator Server.
func NewServer(socketPath string, engine Engine, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		engine:     engine,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
		dedup:      make(map[string]dedupEntry),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", dir, err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go s.evictDedupLoop(ctx)

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "force_phase":
		return s.withIdempotency(req, s.cmdForcePhase)
	case "execute_shot":
		return s.withIdempotency(req, s.cmdExecuteShot)
	case "set_manual_override":
		return s.cmdSetManualOverride(req)
	case "check_transition_conditions":
		return s.cmdCheckTransitionConditions(req)
	case "clear_unsafe":
		return s.cmdClearUnsafe(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

// withIdempotency wraps a mutating command with request_id deduplication:
// a request_id seen for this zone within idempotencyWindow returns the
// cached response instead of re-executing the command.
func (s *Server) withIdempotency(req Request, fn func(Request) Response) Response {
	if req.RequestID == "" {
		return fn(req)
	}
	if _, err := uuid.Parse(req.RequestID); err != nil {
		return Response{OK: false, Error: "request_id must be a valid uuid"}
	}

	key := fmt.Sprintf("%d:%s", req.ZoneID, req.RequestID)

	s.dedupMu.Lock()
	if cached, ok := s.dedup[key]; ok {
		s.dedupMu.Unlock()
		return cached.resp
	}
	s.dedupMu.Unlock()

	resp := fn(req)

	s.dedupMu.Lock()
	s.dedup[key] = dedupEntry{resp: resp, at: time.Now()}
	s.dedupMu.Unlock()

	return resp
}

func (s *Server) evictDedupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idempotencyWindow)
			s.dedupMu.Lock()
			for k, e := range s.dedup {
				if e.at.Before(cutoff) {
					delete(s.dedup, k)
				}
			}
			s.dedupMu.Unlock()
		}
	}
}

func (s *Server) cmdForcePhase(req Request) Response {
	if req.ZoneID == 0 {
		return Response{OK: false, Error: "zone_id required for force_phase"}
	}
	phase, ok := parsePhase(req.Phase)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("unknown phase %q (valid: P0 P1 P2 P3)", req.Phase)}
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator request"
	}
	if err := s.engine.ForcePhase(req.ZoneID, phase, reason); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: forced phase transition",
		zap.Int("zone_id", req.ZoneID), zap.String("phase", phase.String()), zap.String("reason", reason))
	return Response{OK: true, ZoneID: req.ZoneID}
}

func (s *Server) cmdExecuteShot(req Request) Response {
	if req.ZoneID == 0 {
		return Response{OK: false, Error: "zone_id required for execute_shot"}
	}
	if req.VolumeMl <= 0 {
		return Response{OK: false, Error: "volume_ml must be > 0"}
	}
	shotType := req.ShotType
	if shotType == "" {
		shotType = "manual"
	}
	if err := s.engine.ExecuteShot(req.ZoneID, req.VolumeMl, shotType, zone.PriorityCritical); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: executed manual shot",
		zap.Int("zone_id", req.ZoneID), zap.Float64("volume_ml", req.VolumeMl), zap.String("shot_type", shotType))
	return Response{OK: true, ZoneID: req.ZoneID, VolumeMl: req.VolumeMl}
}

func (s *Server) cmdSetManualOverride(req Request) Response {
	if req.ZoneID == 0 {
		return Response{OK: false, Error: "zone_id required for set_manual_override"}
	}
	timeout := time.Duration(req.TimeoutSec) * time.Second
	if err := s.engine.SetManualOverride(req.ZoneID, req.Enable, timeout); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, ZoneID: req.ZoneID}
}

func (s *Server) cmdCheckTransitionConditions(req Request) Response {
	if req.ZoneID == 0 {
		return Response{OK: false, Error: "zone_id required for check_transition_conditions"}
	}
	dec, err := s.engine.CheckTransitionConditions(req.ZoneID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{
		OK:       true,
		ZoneID:   req.ZoneID,
		Decision: dec.Kind.String(),
		Reason:   dec.Reason,
		VolumeMl: dec.VolumeMl,
	}
}

func (s *Server) cmdClearUnsafe(req Request) Response {
	if req.ZoneID == 0 {
		return Response{OK: false, Error: "zone_id required for clear_unsafe"}
	}
	if err := s.engine.ClearUnsafe(req.ZoneID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: cleared unsafe flag", zap.Int("zone_id", req.ZoneID))
	return Response{OK: true, ZoneID: req.ZoneID}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parsePhase converts a phase name string to a zone.Phase.
func parsePhase(name string) (zone.Phase, bool) {
	switch name {
	case "P0":
		return zone.PhaseP0Dryback, true
	case "P1":
		return zone.PhaseP1RampUp, true
	case "P2":
		return zone.PhaseP2Maintenance, true
	case "P3":
		return zone.PhaseP3PreDark, true
	default:
		return 0, false
	}
}
