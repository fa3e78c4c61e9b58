// Package envelope implements the signed-then-encrypted message wrapper used for
// all traffic between agents and the hub.
package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetd/pkg/crypto"
)

const (
	// DefaultWindow is the maximum clock distance accepted for a message timestamp.
	DefaultWindow = 300 * time.Second

	TimestampField = "timestamp"
	SignatureField = "signature"
)

// ErrInvalid is matched by every rejection returned from Open.
var ErrInvalid = errors.New("invalid envelope")

// Reason names the check that rejected an envelope. It is for logs and metrics
// only and must never be sent back to the caller.
type Reason string

const (
	ReasonUnknownSender Reason = "unknown_sender"
	ReasonNotEnrolled   Reason = "not_enrolled"
	ReasonUndecryptable Reason = "undecryptable"
	ReasonMalformed     Reason = "malformed"
	ReasonStale         Reason = "stale"
	ReasonBadSignature  Reason = "bad_signature"
)

// Rejection is returned when an inbound envelope fails validation.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string { return "invalid envelope: " + string(r.Reason) }

func (r *Rejection) Is(target error) bool { return target == ErrInvalid }

func reject(reason Reason) error { return &Rejection{Reason: reason} }

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Envelope is the wire form of a sealed message.
type Envelope struct {
	SenderPublicKey  string `json:"senderPublicKey"`
	EncryptedMessage string `json:"encryptedMessage"`
}

// Sender is a party that may send envelopes.
type Sender struct {
	ID        string
	PublicKey crypto.PublicKey
	Enrolled  bool
}

// Directory resolves sender public keys. It returns found=false for unknown keys.
type Directory interface {
	LookupSender(ctx context.Context, publicKey string) (sender Sender, found bool, err error)
}

// Message is a validated inbound payload with the signature field removed.
type Message struct {
	Sender  Sender
	Payload map[string]any
}

// Sealer seals outbound payloads and opens inbound envelopes for one identity.
type Sealer struct {
	engine    *crypto.Engine
	directory Directory
	window    time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewSealer binds a Sealer to the local engine and a sender directory.
func NewSealer(engine *crypto.Engine, directory Directory) (*Sealer, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	return &Sealer{engine: engine, directory: directory, window: DefaultWindow, Now: time.Now}, nil
}

// Seal timestamps and signs payload, then encrypts it for recipient.
func (s *Sealer) Seal(payload map[string]any, recipient crypto.PublicKey) (Envelope, error) {
	// Sign the form the receiver will rebuild after decoding, not the raw map.
	normal, err := ToPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	signed := make(map[string]any, len(normal)+2)
	for k, v := range normal {
		if k == SignatureField || k == TimestampField {
			continue
		}
		signed[k] = v
	}
	signed[TimestampField] = s.Now().Unix()

	canonical, err := json.Marshal(signed)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	signed[SignatureField] = base64.StdEncoding.EncodeToString(s.engine.Sign(canonical))

	body, err := json.Marshal(signed)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal signed payload: %w", err)
	}
	ciphertext, err := s.engine.EncryptAsym(body, recipient)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		SenderPublicKey:  s.engine.PublicKey().String(),
		EncryptedMessage: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// SealValue converts v to a JSON object and seals it.
func (s *Sealer) SealValue(v any, recipient crypto.PublicKey) (Envelope, error) {
	payload, err := ToPayload(v)
	if err != nil {
		return Envelope{}, err
	}
	return s.Seal(payload, recipient)
}

// Open validates env and returns its payload. Every failure is a *Rejection.
// Directory errors are returned as-is so callers can tell an outage from a
// forged message.
func (s *Sealer) Open(ctx context.Context, env Envelope) (Message, error) {
	sender, found, err := s.directory.LookupSender(ctx, strings.TrimSpace(env.SenderPublicKey))
	if err != nil {
		return Message{}, fmt.Errorf("lookup sender: %w", err)
	}
	if !found {
		return Message{}, reject(ReasonUnknownSender)
	}
	if !sender.Enrolled {
		return Message{}, reject(ReasonNotEnrolled)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedMessage)
	if err != nil || len(ciphertext) == 0 {
		return Message{}, reject(ReasonUndecryptable)
	}
	plaintext, err := s.engine.DecryptAsym(ciphertext)
	if err != nil {
		return Message{}, reject(ReasonUndecryptable)
	}

	payload, err := decodeObject(plaintext)
	if err != nil || len(payload) == 0 {
		return Message{}, reject(ReasonMalformed)
	}
	rawSig, ok := payload[SignatureField].(string)
	if !ok || rawSig == "" {
		return Message{}, reject(ReasonMalformed)
	}
	ts, ok := timestampOf(payload)
	if !ok {
		return Message{}, reject(ReasonMalformed)
	}

	if !s.fresh(ts) {
		return Message{}, reject(ReasonStale)
	}

	delete(payload, SignatureField)
	signature, err := base64.StdEncoding.DecodeString(rawSig)
	if err != nil {
		return Message{}, reject(ReasonBadSignature)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return Message{}, reject(ReasonMalformed)
	}
	if !crypto.Verify(canonical, signature, sender.PublicKey) {
		return Message{}, reject(ReasonBadSignature)
	}

	return Message{Sender: sender, Payload: payload}, nil
}

// fresh reports whether ts lies strictly inside the window around now.
func (s *Sealer) fresh(ts int64) bool {
	delta := s.Now().Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	return delta < int64(s.window/time.Second)
}

func timestampOf(payload map[string]any) (int64, bool) {
	num, ok := payload[TimestampField].(json.Number)
	if !ok {
		return 0, false
	}
	ts, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return ts, true
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToPayload converts a struct to a JSON object map.
func ToPayload(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Decode converts a validated payload into v, ignoring the timestamp field.
func (m Message) Decode(v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// StaticDirectory is a fixed set of trusted senders keyed by encoded public key.
type StaticDirectory map[string]Sender

// Trust returns a directory containing the given keys as enrolled senders.
func Trust(keys ...crypto.PublicKey) StaticDirectory {
	dir := make(StaticDirectory, len(keys))
	for _, k := range keys {
		dir[k.String()] = Sender{ID: k.String(), PublicKey: k, Enrolled: true}
	}
	return dir
}

// LookupSender implements Directory.
func (d StaticDirectory) LookupSender(_ context.Context, publicKey string) (Sender, bool, error) {
	s, ok := d[publicKey]
	return s, ok, nil
}
