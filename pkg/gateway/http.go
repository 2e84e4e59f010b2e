package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phonelink/phonelink/pkg/protocol"
)

type callRequest struct {
	DeviceID string `json:"deviceId"`
	Number   string `json:"number"`
}

type callResponse struct {
	OK        bool   `json:"ok"`
	CommandID string `json:"commandId"`
	DeviceID  string `json:"deviceId"`
}

type deviceEntry struct {
	DeviceID    string `json:"deviceId"`
	ConnectedAt string `json:"connectedAt"`
}

type devicesResponse struct {
	Count   int           `json:"count"`
	Devices []deviceEntry `json:"devices"`
}

// HandleCall is the command-submission entry point: POST /call with
// {deviceId, number}. A target without a live session is a 404, distinct
// from a delivery failure on a session that does exist (502).
func (g *Gateway) HandleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "Missing deviceId")
		return
	}
	if err := protocol.ValidateNumber(req.Number); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.registry.IsConnected(deviceID) {
		if g.metrics != nil {
			g.metrics.RecordCommandFailure("not-connected")
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":    "Device not connected",
			"deviceId": deviceID,
		})
		return
	}

	commandID := uuid.NewString()
	frame := &protocol.Frame{
		Type:      protocol.TypeCall,
		Number:    req.Number,
		CommandID: commandID,
	}

	if err := g.registry.Send(deviceID, frame); err != nil {
		g.log.Error().Err(err).Str("device", deviceID).Msg("command delivery failed")
		if g.metrics != nil {
			g.metrics.RecordCommandFailure("send-failed")
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  "Failed to deliver command",
			"reason": err.Error(),
		})
		return
	}

	g.log.Info().
		Str("device", deviceID).
		Str("number", req.Number).
		Str("commandId", commandID).
		Msg("call command dispatched")
	if g.metrics != nil {
		g.metrics.RecordCommandDispatched()
	}

	writeJSON(w, http.StatusOK, callResponse{OK: true, CommandID: commandID, DeviceID: deviceID})
}

// HandleDevices lists currently connected devices.
func (g *Gateway) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices := g.registry.Devices()
	resp := devicesResponse{Count: len(devices), Devices: make([]deviceEntry, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, deviceEntry{
			DeviceID:    d.Identity,
			ConnectedAt: d.ConnectedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports gateway liveness and the current session count.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"uptime":           time.Since(g.startTime).Seconds(),
		"connectedDevices": g.registry.Count(),
	})
}

// requireToken guards the REST surface with the same shared token set the
// device handshake uses.
func (g *Gateway) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if len(g.cfg.Auth.Tokens) == 0 || !tokenMatches(g.cfg.Auth.Tokens, token) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
