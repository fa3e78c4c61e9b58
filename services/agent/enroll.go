package agent

import (
	"context"
	"encoding/base64"
	"fmt"

	"fleetd/pkg/crypto"
	"fleetd/services/hub"
)

// Enroll runs the two-step handshake and returns the hub's public key.
func Enroll(ctx context.Context, client *Client, engine *crypto.Engine, name, registrationToken string) (crypto.PublicKey, error) {
	own := engine.PublicKey().String()
	resp, err := client.Announce(ctx, hub.AnnounceRequest{
		PublicKey:         own,
		Name:              name,
		RegistrationToken: registrationToken,
	})
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("announce: %w", err)
	}

	hubKey, err := crypto.ParsePublicKey(resp.HubPublicKey)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("hub key: %w", err)
	}
	challenge, err := base64.StdEncoding.DecodeString(resp.EncryptedVerificationToken)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("challenge encoding: %w", err)
	}
	token, err := engine.DecryptAsym(challenge)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("decrypt challenge: %w", err)
	}
	answer, err := engine.EncryptAsym(token, hubKey)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("encrypt answer: %w", err)
	}

	if err := client.Verify(ctx, hub.VerifyRequest{
		PublicKey:         own,
		VerificationToken: base64.StdEncoding.EncodeToString(answer),
	}); err != nil {
		return crypto.PublicKey{}, fmt.Errorf("verify: %w", err)
	}
	return hubKey, nil
}
