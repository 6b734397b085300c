package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ritikr000/VM-Generator/internal/catalog"
	"github.com/ritikr000/VM-Generator/internal/db"
	"github.com/ritikr000/VM-Generator/internal/hostmem"
	"github.com/ritikr000/VM-Generator/internal/models"
	"github.com/ritikr000/VM-Generator/internal/provision"
	"github.com/ritikr000/VM-Generator/internal/vm"
)

// Creator provisions and records a VM.
type Creator interface {
	Create(ctx context.Context, req vm.CreateRequest) (*models.VMRecord, error)
}

// ListingBuilder produces the reconciled listing.
type ListingBuilder interface {
	Build(ctx context.Context) (*models.Listing, error)
}

// HypervisorPinger checks that the hypervisor daemon answers.
type HypervisorPinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB      *db.DB
	VMs     Creator
	View    ListingBuilder
	OSTypes []string
	Version string
	Commit  string
	// Hypervisor is optional; when nil the health check skips it.
	Hypervisor HypervisorPinger
}

type createResponse struct {
	Message string           `json:"message"`
	VM      *models.VMRecord `json:"vm"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Index handles GET /{$} with a short plain-text description of the service.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "VM Generator\n\n")
	fmt.Fprintf(w, "GET /create-vm?vm_name=&memory=&cpus=&os=  provision a VM\n")
	fmt.Fprintf(w, "GET /view-database                         live domains and host memory\n")
	fmt.Fprintf(w, "GET /api/v1/vms                            declared VM records\n")
	fmt.Fprintf(w, "GET /docs                                  API documentation\n\n")
	fmt.Fprintf(w, "Supported OS types: %s\n", strings.Join(h.OSTypes, ", "))
}

// Health handles GET /healthz and needs no auth.
// Returns 503 if the database is unreachable. An unreachable hypervisor only
// marks the service degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	body := map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	}
	if h.Hypervisor != nil {
		if err := h.Hypervisor.Ping(r.Context()); err != nil {
			slog.Warn("hypervisor health check failed", "error", err)
			body["status"] = "degraded"
			body["hypervisor"] = "unavailable"
			body["hypervisor_error"] = err.Error()
		} else {
			body["hypervisor"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// CreateVM handles GET /create-vm. It blocks until provisioning finishes.
func (h *Handler) CreateVM(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := h.VMs.Create(r.Context(), vm.CreateRequest{
		Name:   q.Get("vm_name"),
		Memory: q.Get("memory"),
		CPUs:   q.Get("cpus"),
		OSType: q.Get("os"),
	})
	if err != nil {
		status, msg := createFailure(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		Message: fmt.Sprintf("VM %s created", rec.Name),
		VM:      rec,
	})
}

func createFailure(err error) (int, string) {
	var perr *provision.ProvisionError
	switch {
	case errors.Is(err, provision.ErrMissingParameter),
		errors.Is(err, vm.ErrInvalidParameter),
		errors.Is(err, catalog.ErrUnsupportedOS):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, db.ErrDuplicateName):
		return http.StatusConflict, err.Error()
	case errors.As(err, &perr):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, provision.ErrProvisionTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, err.Error()
	default:
		slog.Error("create vm failed", "error", err)
		return http.StatusInternalServerError, "failed to create vm"
	}
}

// ViewDatabase handles GET /view-database.
func (h *Handler) ViewDatabase(w http.ResponseWriter, r *http.Request) {
	listing, err := h.View.Build(r.Context())
	if errors.Is(err, hostmem.ErrHostMemoryUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		slog.Error("build listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build listing")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// ListRecords handles GET /api/v1/vms.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.DB.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list vms")
		return
	}

	if records == nil {
		records = []*models.VMRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
