package hub

import (
	"context"
	"errors"

	"fleetd/pkg/crypto"
	"fleetd/pkg/envelope"
)

// AgentDirectory resolves envelope senders against the agent collection.
type AgentDirectory struct {
	Store Store
}

// LookupSender implements envelope.Directory.
func (d AgentDirectory) LookupSender(ctx context.Context, publicKey string) (envelope.Sender, bool, error) {
	key, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return envelope.Sender{}, false, nil
	}
	agent, err := d.Store.AgentByPublicKey(ctx, key.String())
	if errors.Is(err, ErrNotFound) {
		return envelope.Sender{}, false, nil
	}
	if err != nil {
		return envelope.Sender{}, false, err
	}
	return envelope.Sender{
		ID:        agent.ID.String(),
		PublicKey: key,
		Enrolled:  agent.EnrollmentCompleted,
	}, true, nil
}
