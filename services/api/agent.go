package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"fleetd/pkg/envelope"
	"fleetd/services/hub"
)

func (a *API) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, envelopeBodyLimit)
	var req hub.AnnounceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}
	resp, err := a.svc.Enrollment.Announce(r.Context(), req)
	if err != nil {
		a.agentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, envelopeBodyLimit)
	var req hub.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}
	if _, err := a.svc.Enrollment.Verify(r.Context(), req); err != nil {
		a.agentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"enrolled": true})
}

func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	msg, agentID, ok := a.openEnvelope(w, r)
	if !ok {
		return
	}
	var req hub.PollRequest
	if err := msg.Decode(&req); err != nil {
		a.reject(w, envelope.ReasonMalformed)
		return
	}
	resp, err := a.svc.Deployments.Poll(r.Context(), agentID, req)
	if err != nil {
		a.agentError(w, err)
		return
	}
	a.respondSealed(w, resp, msg.Sender)
}

func (a *API) handleDeploymentDetails(w http.ResponseWriter, r *http.Request) {
	msg, agentID, ok := a.openEnvelope(w, r)
	if !ok {
		return
	}
	details, err := a.svc.Deployments.NextPending(r.Context(), agentID)
	if err != nil {
		a.agentError(w, err)
		return
	}
	a.respondSealed(w, details, msg.Sender)
}

func (a *API) handleDeploymentResult(w http.ResponseWriter, r *http.Request) {
	msg, agentID, ok := a.openEnvelope(w, r)
	if !ok {
		return
	}
	var req hub.ResultRequest
	if err := msg.Decode(&req); err != nil || req.DeploymentID == uuid.Nil {
		a.reject(w, envelope.ReasonMalformed)
		return
	}
	outcome, err := a.svc.Deployments.Report(r.Context(), agentID, req)
	if err != nil {
		a.agentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"outcome": outcome.String()})
}

func (a *API) handleBinary(w http.ResponseWriter, r *http.Request) {
	_, agentID, ok := a.openEnvelope(w, r)
	if !ok {
		return
	}
	rc, err := a.svc.Deployments.OpenBinary(r.Context(), agentID)
	if err != nil {
		a.agentError(w, err)
		return
	}
	a.stream(w, rc, "agent binary")
}

func (a *API) handleDeploymentDownload(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}
	_, agentID, ok := a.openEnvelope(w, r)
	if !ok {
		return
	}
	rc, err := a.svc.Deployments.Open(r.Context(), agentID, deploymentID)
	if err != nil {
		a.agentError(w, err)
		return
	}
	a.stream(w, rc, "package "+deploymentID.String())
}

// openEnvelope reads and validates the request envelope. On failure it has
// already written the response.
func (a *API) openEnvelope(w http.ResponseWriter, r *http.Request) (envelope.Message, uuid.UUID, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, envelopeBodyLimit)
	var env envelope.Envelope
	if err := decodeJSON(r, &env); err != nil {
		a.reject(w, envelope.ReasonMalformed)
		return envelope.Message{}, uuid.Nil, false
	}
	msg, err := a.svc.Sealer.Open(r.Context(), env)
	if reason, ok := envelope.ReasonOf(err); ok {
		a.reject(w, reason)
		return envelope.Message{}, uuid.Nil, false
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("open envelope")
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return envelope.Message{}, uuid.Nil, false
	}
	agentID, err := uuid.Parse(msg.Sender.ID)
	if err != nil {
		a.reject(w, envelope.ReasonUnknownSender)
		return envelope.Message{}, uuid.Nil, false
	}
	return msg, agentID, true
}

func (a *API) reject(w http.ResponseWriter, reason envelope.Reason) {
	a.svc.Metrics.EnvelopeRejected(string(reason))
	a.logger.Debug().Str("reason", string(reason)).Msg("envelope rejected")
	respondError(w, http.StatusBadRequest, errInvalidRequest)
}

func (a *API) respondSealed(w http.ResponseWriter, payload any, to envelope.Sender) {
	env, err := a.svc.Sealer.SealValue(payload, to.PublicKey)
	if err != nil {
		a.logger.Error().Err(err).Str("agent_id", to.ID).Msg("seal response")
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (a *API) stream(w http.ResponseWriter, rc io.ReadCloser, what string) {
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn().Err(err).Str("object", what).Msg("download interrupted")
	}
}

// agentError keeps agent-facing failures generic.
func (a *API) agentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrNoPendingDeployment):
		respondError(w, http.StatusNotFound, errors.New("no pending deployment"))
	case errors.Is(err, hub.ErrEnrollmentRejected),
		errors.Is(err, hub.ErrNotEnrolled),
		errors.Is(err, hub.ErrNotFound),
		errors.Is(err, hub.ErrDeploymentUnavailable),
		errors.Is(err, hub.ErrInvalidInput):
		a.logger.Debug().Err(err).Msg("agent request refused")
		respondError(w, http.StatusBadRequest, errInvalidRequest)
	default:
		a.logger.Error().Err(err).Msg("agent request failed")
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
