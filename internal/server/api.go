// ABOUTME: HTTP API handlers for the operator surface
// ABOUTME: Hosts, children, reboots, queue inspection, distributions, and the fleet report

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/children"
	"github.com/wardenhq/warden/internal/hosts"
	"github.com/wardenhq/warden/internal/reboot"
	"github.com/wardenhq/warden/internal/store"
)

// HostResponse is the JSON shape of a host in API responses.
type HostResponse struct {
	ID             string   `json:"id"`
	FQDN           string   `json:"fqdn"`
	Addresses      []string `json:"addresses,omitempty"`
	Platform       string   `json:"platform,omitempty"`
	ApprovalStatus string   `json:"approval_status"`
	Online         bool     `json:"online"`
	Connected      bool     `json:"connected"`
	Privileged     bool     `json:"privileged"`
	ScriptsEnabled bool     `json:"scripts_enabled"`
	ParentHostID   *string  `json:"parent_host_id,omitempty"`
	LastSeen       *string  `json:"last_seen,omitempty"`
}

// ChildResponse is the JSON shape of a child host.
type ChildResponse struct {
	ID               string  `json:"id"`
	ParentHostID     string  `json:"parent_host_id"`
	ChildHostID      *string `json:"child_host_id,omitempty"`
	ChildName        string  `json:"child_name"`
	ChildType        string  `json:"child_type"`
	Distribution     string  `json:"distribution"`
	Version          string  `json:"version"`
	Status           string  `json:"status"`
	InstallationStep string  `json:"installation_step,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	InstalledAt      *string `json:"installed_at,omitempty"`
}

// CreateChildRequest is the JSON request body for POST /api/children.
type CreateChildRequest struct {
	ParentHostID string `json:"parent_host_id"`
	ChildName    string `json:"child_name"`
	ChildType    string `json:"child_type"`
	Distribution string `json:"distribution"`
	Version      string `json:"version"`
	RootSecret   string `json:"root_secret,omitempty"`
}

// InitiateRebootRequest is the JSON request body for POST /api/reboots.
type InitiateRebootRequest struct {
	ParentHostID        string `json:"parent_host_id"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_secs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"connected_agents": s.registry.OnlineCount(),
	})
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := s.store.ListHosts(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	now := time.Now().UTC()
	response := make([]HostResponse, 0, len(list))
	for _, h := range list {
		response = append(response, s.hostResponse(h, now))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleHostRoutes dispatches /api/hosts/{id} and /api/hosts/{id}/approve.
func (s *Server) handleHostRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/hosts/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "host id required")
		return
	}

	switch {
	case action == "approve" && r.Method == http.MethodPost:
		s.handleApproveHost(w, r, id)
	case action == "reboot" && r.Method == http.MethodGet:
		s.handleRebootPreCheck(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		s.handleGetHost(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleDeleteHost(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request, id string) {
	host, err := s.store.GetHost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "host not found")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hostResponse(host, time.Now().UTC()))
}

func (s *Server) handleApproveHost(w http.ResponseWriter, r *http.Request, id string) {
	host, certPEM, err := s.hosts.Approve(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "host not found")
		return
	}
	if err != nil {
		s.logger.Error("host approval failed", "host_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Info("host approved",
		"host_id", id, "operator", auth.OperatorFromContext(r.Context()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"host":     s.hostResponse(host, time.Now().UTC()),
		"cert_pem": certPEM,
	})
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteHost(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "host not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		parent := r.URL.Query().Get("parent_host_id")
		if parent == "" {
			s.sendJSONError(w, http.StatusBadRequest, "parent_host_id query parameter required")
			return
		}
		list, err := s.store.ListChildren(r.Context(), parent)
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		response := make([]ChildResponse, 0, len(list))
		for _, c := range list {
			response = append(response, childResponse(c))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)

	case http.MethodPost:
		var req CreateChildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ParentHostID == "" || req.ChildName == "" || req.ChildType == "" || req.Distribution == "" {
			s.sendJSONError(w, http.StatusBadRequest, "parent_host_id, child_name, child_type, and distribution are required")
			return
		}
		child, err := s.children.Create(r.Context(), children.CreateRequest{
			ParentHostID: req.ParentHostID,
			ChildName:    req.ChildName,
			ChildType:    req.ChildType,
			Distribution: req.Distribution,
			Version:      req.Version,
			RootSecret:   req.RootSecret,
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.sendJSONError(w, http.StatusNotFound, "parent host not found")
		case errors.Is(err, hosts.ErrHostNotApproved):
			s.sendJSONError(w, http.StatusConflict, "parent host not approved")
		case errors.Is(err, store.ErrDuplicateChild):
			s.sendJSONError(w, http.StatusConflict, "child with this name already exists")
		case err != nil:
			s.logger.Error("child creation failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(childResponse(child))
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleChildRoutes dispatches /api/children/{id} and its stop/start actions.
func (s *Server) handleChildRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/children/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "child id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		child, err := s.store.GetChild(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "child not found")
			return
		}
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(childResponse(child))

	case action == "" && r.Method == http.MethodDelete:
		queued, err := s.children.Delete(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "child not found")
			return
		}
		if errors.Is(err, store.ErrIllegalTransition) {
			s.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.logger.Error("child deletion failed", "child_id", id, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"uninstall_queued": queued})

	case (action == "stop" || action == "start") && r.Method == http.MethodPost:
		var err error
		if action == "stop" {
			err = s.children.Stop(r.Context(), id)
		} else {
			err = s.children.Start(r.Context(), id)
		}
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "child not found")
			return
		}
		if errors.Is(err, store.ErrIllegalTransition) {
			s.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRebootPreCheck(w http.ResponseWriter, r *http.Request, hostID string) {
	result, err := s.reboot.PreCheck(r.Context(), hostID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "host not found")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleReboots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		active, err := s.store.ListActiveOrchestrations(r.Context())
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(active)

	case http.MethodPost:
		var req InitiateRebootRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ParentHostID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "parent_host_id is required")
			return
		}
		operator := auth.OperatorFromContext(r.Context())
		if operator == "" {
			operator = "api"
		}
		orch, err := s.reboot.Initiate(r.Context(), req.ParentHostID, operator,
			time.Duration(req.ShutdownTimeoutSecs)*time.Second)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.sendJSONError(w, http.StatusNotFound, "host not found")
		case errors.Is(err, reboot.ErrOrchestrationActive):
			s.sendJSONError(w, http.StatusConflict, err.Error())
		case err != nil:
			s.logger.Error("reboot initiation failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(orch)
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRebootRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/reboots/")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "orchestration id required")
		return
	}
	orch, err := s.reboot.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "orchestration not found")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orch)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := store.QueueListFilter{
		Status: store.MessageStatus(r.URL.Query().Get("status")),
		HostID: r.URL.Query().Get("host_id"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	messages, err := s.store.ListMessages(r.Context(), filter)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// handleQueueExpired purges expired messages. Expired is the only state the
// API allows deleting; everything else ages out through the sweeper.
func (s *Server) handleQueueExpired(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deleted, err := s.store.DeleteExpired(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"deleted": deleted})
}

func (s *Server) handleDistributions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	distros, err := s.store.ListDistributions(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(distros)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		markdown, err := s.reports.Markdown(r.Context())
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(markdown))
		return
	}
	page, err := s.reports.HTML(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) hostResponse(h *store.Host, now time.Time) HostResponse {
	resp := HostResponse{
		ID:             h.ID,
		FQDN:           h.FQDN,
		Addresses:      h.Addresses,
		Platform:       h.Platform,
		ApprovalStatus: string(h.ApprovalStatus),
		Online:         h.Online(now, s.config.Agents.OfflineThreshold),
		Connected:      s.registry.IsOnline(h.ID),
		Privileged:     h.Privileged,
		ScriptsEnabled: h.ScriptsEnabled,
		ParentHostID:   h.ParentHostID,
	}
	if h.LastSeen != nil {
		seen := h.LastSeen.Format(time.RFC3339)
		resp.LastSeen = &seen
	}
	return resp
}

func childResponse(c *store.HostChild) ChildResponse {
	resp := ChildResponse{
		ID:               c.ID,
		ParentHostID:     c.ParentHostID,
		ChildHostID:      c.ChildHostID,
		ChildName:        c.ChildName,
		ChildType:        c.ChildType,
		Distribution:     c.Distribution,
		Version:          c.Version,
		Status:           string(c.Status),
		InstallationStep: c.InstallationStep,
		ErrorMessage:     c.ErrorMessage,
	}
	if c.InstalledAt != nil {
		installed := c.InstalledAt.Format(time.RFC3339)
		resp.InstalledAt = &installed
	}
	return resp
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
