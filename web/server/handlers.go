package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/verdant-devices/sproutd/logging"
)

//go:embed dashboard.html
var dashboardHTML []byte

// streamKeepAlive is how often the log stream emits a comment to keep
// proxies from closing an idle connection.
const streamKeepAlive = 15 * time.Second

// streamReplayCount is how much history a fresh stream client receives
// before live records.
const streamReplayCount = 100

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// an encode failure after the header is written is not recoverable
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(dashboardHTML)
}

// handleLogs serves the retained ring, newest last. Query params: count
// limits how many records, level filters by capital level name.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a non-negative integer"})
			return
		}
		count = parsed
	}
	level := strings.ToUpper(r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": s.ring.Records(count, level),
	})
}

// handleLogStream serves logs over SSE: a replay of recent history, then
// live records as they happen.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	ch := s.ring.Subscribe(id, 64)
	defer s.ring.Unsubscribe(id)
	s.logger.Debugw("log stream client connected", "client", id)

	writeRecord := func(rec logging.Record) bool {
		data, err := json.Marshal(rec)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, rec := range s.ring.Records(streamReplayCount, "") {
		if !writeRecord(rec) {
			return
		}
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case rec, open := <-ch:
			if !open {
				// dropped for falling behind
				return
			}
			if !writeRecord(rec) {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload := map[string]interface{}{
		"serial":          s.serial,
		"uptime_s":        int(time.Since(s.startedAt).Seconds()),
		"pins":            s.registry.Len(),
		"overridden_pins": s.supervisor.OverriddenPins(),
		"estop_active":    s.supervisor.EstopInProgress(),
		"log_clients":     s.ring.SubscriberCount(),
	}
	if hostname, err := os.Hostname(); err == nil {
		payload["hostname"] = hostname
	}
	payload["ips"] = []string{}
	if ifaces, err := gnet.InterfacesWithContext(ctx); err == nil {
		payload["ips"] = localIPv4s(ifaces)
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		payload["platform"] = info.Platform + " " + info.PlatformVersion
		payload["kernel"] = info.KernelVersion
		payload["host_uptime_s"] = info.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		payload["memory_used_pct"] = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		payload["load_1m"] = avg.Load1
	}
	writeJSON(w, http.StatusOK, payload)
}

// localIPv4s extracts the device's reachable addresses from an interface
// listing: non-loopback IPv4 only, since that is what a technician on the
// local network can actually browse to.
func localIPv4s(ifaces gnet.InterfaceStatList) []string {
	ips := []string{}
	for _, iface := range ifaces {
		loopback := false
		for _, flag := range iface.Flags {
			if flag == "loopback" {
				loopback = true
				break
			}
		}
		if loopback {
			continue
		}
		for _, addr := range iface.Addrs {
			raw := addr.Addr
			if i := strings.Index(raw, "/"); i >= 0 {
				raw = raw[:i]
			}
			ip := net.ParseIP(raw)
			if ip == nil || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}
	return ips
}

// pinView is the JSON shape of one registry entry.
type pinView struct {
	Pin              int        `json:"pin"`
	Name             string     `json:"name"`
	Mode             string     `json:"mode"`
	ActiveLow        bool       `json:"active_low"`
	Enabled          bool       `json:"enabled"`
	State            bool       `json:"state"`
	HardwareState    bool       `json:"hardwareState"`
	Mismatch         bool       `json:"mismatch"`
	PWMDutyCycle     int        `json:"pwmDutyCycle"`
	Unavailable      bool       `json:"unavailable"`
	Overridden       bool       `json:"overridden"`
	LastHardwareRead *time.Time `json:"lastHardwareRead,omitempty"`
}

func (s *Server) handleGPIO(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	views := make([]pinView, 0, len(snap))
	for _, id := range s.registry.IDs() {
		p := snap[id]
		view := pinView{
			Pin:           p.ID,
			Name:          p.Name,
			Mode:          string(p.Mode),
			ActiveLow:     p.ActiveLow,
			Enabled:       p.Enabled,
			State:         p.Desired,
			HardwareState: p.Hardware,
			Mismatch:      p.Mismatch,
			PWMDutyCycle:  p.PWMDuty,
			Unavailable:   p.Unavailable,
			Overridden:    s.supervisor.Overridden(p.ID),
		}
		if !p.LastHardwareRead.IsZero() {
			readAt := p.LastHardwareRead
			view.LastHardwareRead = &readAt
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pins": views})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("emergency stop requested over diagnostics server")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.estopper.EmergencyStop(ctx); err != nil {
		// the sweep ran; faults are reported but the stop itself happened
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "completed with faults",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
