package hub

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fleetd/pkg/crypto"
)

const verificationTokenBytes = 32

// AnnounceRequest is step one of enrollment. It travels in plaintext.
type AnnounceRequest struct {
	PublicKey         string `json:"publicKey"`
	Name              string `json:"name"`
	RegistrationToken string `json:"registrationToken"`
}

// AnnounceResponse carries the hub key and a challenge only the agent can read.
type AnnounceResponse struct {
	HubPublicKey               string `json:"hubPublicKey"`
	EncryptedVerificationToken string `json:"encryptedVerificationToken"`
}

// VerifyRequest is step two: the challenge re-encrypted to the hub.
type VerifyRequest struct {
	PublicKey         string `json:"publicKey"`
	VerificationToken string `json:"verificationToken"`
}

// Enrollment runs the two-step challenge-response handshake.
type Enrollment struct {
	deps Deps
}

// NewEnrollment builds the enrollment service.
func NewEnrollment(deps Deps) (*Enrollment, error) {
	if err := deps.validate(true); err != nil {
		return nil, err
	}
	return &Enrollment{deps: deps}, nil
}

// Announce registers or refreshes an unenrolled agent and returns a fresh
// challenge encrypted to its key.
func (e *Enrollment) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	settings, err := e.deps.Store.Settings(ctx)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("load settings: %w", err)
	}
	if settings.RegistrationToken == "" ||
		subtle.ConstantTimeCompare([]byte(req.RegistrationToken), []byte(settings.RegistrationToken)) != 1 {
		return AnnounceResponse{}, fmt.Errorf("registration token: %w", ErrEnrollmentRejected)
	}

	agentKey, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("agent key: %w", ErrEnrollmentRejected)
	}
	encodedKey := agentKey.String()

	token, err := newVerificationToken()
	if err != nil {
		return AnnounceResponse{}, err
	}

	name := strings.TrimSpace(req.Name)
	existing, err := e.deps.Store.AgentByPublicKey(ctx, encodedKey)
	switch {
	case err == nil:
		if existing.EnrollmentCompleted {
			return AnnounceResponse{}, fmt.Errorf("agent %s already enrolled: %w", existing.ID, ErrEnrollmentRejected)
		}
		existing.VerificationToken = token
		if name != "" {
			existing.Name = name
		}
		if err := e.deps.Store.UpdateAgent(ctx, existing); err != nil {
			return AnnounceResponse{}, fmt.Errorf("update agent: %w", err)
		}
	case errors.Is(err, ErrNotFound):
		agent := Agent{
			ID:                uuid.New(),
			Name:              name,
			PublicKey:         encodedKey,
			VerificationToken: token,
			OS:                OSUnknown,
			CreatedAt:         e.deps.now(),
		}
		if err := e.deps.Store.CreateAgent(ctx, agent); err != nil {
			return AnnounceResponse{}, fmt.Errorf("create agent: %w", err)
		}
	default:
		return AnnounceResponse{}, fmt.Errorf("lookup agent: %w", err)
	}

	challenge, err := e.deps.Engine.EncryptAsym([]byte(token), agentKey)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("encrypt challenge: %w", err)
	}

	return AnnounceResponse{
		HubPublicKey:               e.deps.Engine.PublicKey().String(),
		EncryptedVerificationToken: base64.StdEncoding.EncodeToString(challenge),
	}, nil
}

// Verify completes enrollment when the agent proves it could read the challenge.
func (e *Enrollment) Verify(ctx context.Context, req VerifyRequest) (Agent, error) {
	agentKey, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		return Agent{}, fmt.Errorf("agent key: %w", ErrEnrollmentRejected)
	}
	agent, err := e.deps.Store.AgentByPublicKey(ctx, agentKey.String())
	if errors.Is(err, ErrNotFound) {
		return Agent{}, fmt.Errorf("unknown agent: %w", ErrEnrollmentRejected)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("lookup agent: %w", err)
	}
	if agent.EnrollmentCompleted || agent.VerificationToken == "" {
		return Agent{}, fmt.Errorf("agent %s: %w", agent.ID, ErrEnrollmentRejected)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.VerificationToken)
	if err != nil {
		return Agent{}, fmt.Errorf("token encoding: %w", ErrEnrollmentRejected)
	}
	token, err := e.deps.Engine.DecryptAsym(ciphertext)
	if err != nil {
		return Agent{}, fmt.Errorf("token decrypt: %w", ErrEnrollmentRejected)
	}
	if subtle.ConstantTimeCompare(token, []byte(agent.VerificationToken)) != 1 {
		return Agent{}, fmt.Errorf("token mismatch: %w", ErrEnrollmentRejected)
	}

	agent.EnrollmentCompleted = true
	agent.VerificationToken = ""
	if err := e.deps.Store.UpdateAgent(ctx, agent); err != nil {
		return Agent{}, fmt.Errorf("update agent: %w", err)
	}

	e.deps.Logger.Info().Str("agent_id", agent.ID.String()).Str("name", agent.Name).Msg("agent enrolled")
	e.deps.emit(ctx, SubjectAgentEnrolled, "agent:"+agent.ID.String(), agent.ID.String(), map[string]any{"name": agent.Name})
	return agent, nil
}

// RotateRegistrationToken replaces the bootstrap token and returns the new one.
func (e *Enrollment) RotateRegistrationToken(ctx context.Context) (string, error) {
	token, err := newVerificationToken()
	if err != nil {
		return "", err
	}
	if err := e.deps.Store.SetRegistrationToken(ctx, token); err != nil {
		return "", fmt.Errorf("save registration token: %w", err)
	}
	e.deps.emit(ctx, "fleet.settings.token_rotated", "operator", "registration_token", nil)
	return token, nil
}

// EnsureRegistrationToken seeds the token on first start. An existing token is
// kept unless it is empty.
func (e *Enrollment) EnsureRegistrationToken(ctx context.Context, initial string) error {
	settings, err := e.deps.Store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.RegistrationToken != "" {
		return nil
	}
	initial = strings.TrimSpace(initial)
	if initial == "" {
		if initial, err = newVerificationToken(); err != nil {
			return err
		}
		e.deps.Logger.Warn().Msg("no registration token configured; generated one, rotate it via the management API to read it")
	}
	if err := e.deps.Store.SetRegistrationToken(ctx, initial); err != nil {
		return fmt.Errorf("save registration token: %w", err)
	}
	return nil
}

func newVerificationToken() (string, error) {
	buf := make([]byte, verificationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
