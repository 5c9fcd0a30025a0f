package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/netgrant/pkg/access"
	"github.com/codelaboratoryltd/netgrant/pkg/arp"
)

// apiServer is the control surface the portal frontend calls after it has
// authenticated a user.
type apiServer struct {
	controller *access.Controller
	resolver   arp.Resolver
	logger     *zap.Logger
}

type grantRequest struct {
	MAC      string `json:"mac,omitempty"`
	IP       string `json:"ip,omitempty"`
	Username string `json:"username,omitempty"`
}

type grantResponse struct {
	Granted bool   `json:"granted"`
	MAC     string `json:"mac,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newAPIServer(controller *access.Controller, resolver arp.Resolver, logger *zap.Logger) *apiServer {
	return &apiServer{controller: controller, resolver: resolver, logger: logger}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/admit", s.handleAdmit)
	mux.HandleFunc("POST /api/v1/revoke", s.handleRevoke)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *apiServer) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, grantResponse{Error: "invalid request body"})
		return
	}
	if req.Username == "" {
		writeJSON(w, http.StatusBadRequest, grantResponse{Error: "username required"})
		return
	}

	mac, ok := s.clientMAC(w, r, &req)
	if !ok {
		return
	}

	granted := s.controller.Admit(r.Context(), mac, req.IP, req.Username)
	status := http.StatusOK
	if !granted {
		status = http.StatusForbidden
	}
	writeJSON(w, status, grantResponse{Granted: granted, MAC: mac})
}

func (s *apiServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, grantResponse{Error: "invalid request body"})
		return
	}

	mac, ok := s.clientMAC(w, r, &req)
	if !ok {
		return
	}

	revoked := s.controller.Revoke(r.Context(), mac, req.IP)
	status := http.StatusOK
	if !revoked {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, grantResponse{Granted: false, MAC: mac})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		if ip := r.URL.Query().Get("ip"); ip != "" {
			resolved, err := s.resolver.Resolve(r.Context(), ip)
			if err != nil {
				writeJSON(w, http.StatusNotFound, grantResponse{Error: "client MAC not resolvable"})
				return
			}
			mac = resolved
		}
	}
	if mac == "" {
		writeJSON(w, http.StatusBadRequest, grantResponse{Error: "mac or ip required"})
		return
	}

	writeJSON(w, http.StatusOK, s.controller.Status(r.Context(), mac))
}

// clientMAC fills in the MAC from the neighbor table when the caller only
// knows the client IP, as a web portal usually does. On failure it writes
// the error response and returns false.
func (s *apiServer) clientMAC(w http.ResponseWriter, r *http.Request, req *grantRequest) (string, bool) {
	if req.MAC != "" {
		return req.MAC, true
	}
	if req.IP == "" {
		writeJSON(w, http.StatusBadRequest, grantResponse{Error: "mac or ip required"})
		return "", false
	}

	mac, err := s.resolver.Resolve(r.Context(), req.IP)
	if err != nil {
		s.logger.Warn("MAC resolution failed",
			zap.String("ip", req.IP),
			zap.Error(err),
		)
		writeJSON(w, http.StatusNotFound, grantResponse{Error: "client MAC not resolvable"})
		return "", false
	}
	return mac, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
