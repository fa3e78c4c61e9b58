package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fleetd/services/hub"
)

type groupRequest struct {
	Name string `json:"name"`
}

type memberRequest struct {
	ID string `json:"id"`
}

type deploymentRequest struct {
	AgentID   string `json:"agent_id"`
	PackageID string `json:"package_id"`
}

// handleUploadPackage streams the request body into the pipeline. Metadata
// travels in the query string: name, os, checksum and optionally expected.
func (a *API) handleUploadPackage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := hub.NewPackage{
		Name:     q.Get("name"),
		TargetOS: hub.ParseOperatingSystem(q.Get("os")),
		Checksum: q.Get("checksum"),
	}
	if q.Has("expected") {
		expected := strings.TrimSpace(q.Get("expected"))
		in.ExpectedReturnValue = &expected
	}

	body := http.MaxBytesReader(w, r.Body, a.config.UploadLimit)
	defer body.Close()
	pkg, err := a.svc.Pipeline.AddPackage(r.Context(), in, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, errors.New("package too large"))
			return
		}
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pkg)
}

func (a *API) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := a.svc.Inventory.Packages(r.Context())
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (a *API) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	pkg, err := a.svc.Pipeline.MarkPackageDeleted(r.Context(), id)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, pkg)
}

func (a *API) handlePackageMirror(w http.ResponseWriter, r *http.Request) {
	if a.svc.Presigner == nil {
		respondError(w, http.StatusNotFound, errors.New("mirror not configured"))
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	pkg, err := a.svc.Inventory.Package(r.Context(), id)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	if !pkg.Deployable() {
		respondError(w, http.StatusConflict, errors.New("package is not processed"))
		return
	}
	url, err := a.svc.Presigner.PresignGet(r.Context(), hub.MirrorKey(id), a.config.PresignTTL)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":                url,
		"expires_in_seconds": int(a.config.PresignTTL.Seconds()),
		"encrypted_checksum": pkg.EncryptedChecksum,
	})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.svc.Inventory.Agents(r.Context())
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.svc.Inventory.DeleteAgent(r.Context(), id); err != nil {
		a.respondHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	g, err := a.svc.Inventory.CreateGroup(r.Context(), req.Name)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, g)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.svc.Inventory.Groups(r.Context())
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.svc.Inventory.DeleteGroup(r.Context(), id); err != nil {
		a.respondHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddGroupAgent(w http.ResponseWriter, r *http.Request) {
	a.addMember(w, r, a.svc.Inventory.AddGroupAgent)
}

func (a *API) handleAddGroupPackage(w http.ResponseWriter, r *http.Request) {
	a.addMember(w, r, a.svc.Inventory.AddGroupPackage)
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request, add func(ctx context.Context, groupID, memberID uuid.UUID) (hub.Group, error)) {
	groupID, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	memberID, err := uuid.Parse(strings.TrimSpace(req.ID))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid id is required"))
		return
	}
	g, err := add(r.Context(), groupID, memberID)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (a *API) handleRemoveGroupAgent(w http.ResponseWriter, r *http.Request) {
	a.removeMember(w, r, "agentID", a.svc.Inventory.RemoveGroupAgent)
}

func (a *API) handleRemoveGroupPackage(w http.ResponseWriter, r *http.Request) {
	a.removeMember(w, r, "packageID", a.svc.Inventory.RemoveGroupPackage)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request, param string, remove func(ctx context.Context, groupID, memberID uuid.UUID) (hub.Group, error)) {
	groupID, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	memberID, err := pathID(r, param)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	g, err := remove(r.Context(), groupID, memberID)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (a *API) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	agentID, err := uuid.Parse(strings.TrimSpace(req.AgentID))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid agent_id is required"))
		return
	}
	packageID, err := uuid.Parse(strings.TrimSpace(req.PackageID))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid package_id is required"))
		return
	}
	d, err := a.svc.Inventory.CreateDeployment(r.Context(), agentID, packageID)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (a *API) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	var filter hub.DeploymentFilter
	q := r.URL.Query()
	for name, dst := range map[string]*uuid.UUID{"agent_id": &filter.AgentID, "package_id": &filter.PackageID} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("valid "+name+" is required"))
			return
		}
		*dst = id
	}
	ds, err := a.svc.Inventory.Deployments(r.Context(), filter)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployments": ds})
}

func (a *API) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.svc.Inventory.DeleteDeployment(r.Context(), id); err != nil {
		a.respondHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.svc.Enrollment.RotateRegistrationToken(r.Context())
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"registration_token": token})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Reconciler.Trigger(r.Context()); err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"scheduled": true})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := a.svc.Inventory.Audit(r.Context(), limit)
	if err != nil {
		a.respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
