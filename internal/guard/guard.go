package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"e2ee_core/internal/model"
	"e2ee_core/internal/utils/log"
)

var (
	// ErrMissingAAD rejects envelopes without associated authenticated data.
	// Unlike optional metadata, AAD presence is mandatory.
	ErrMissingAAD = errors.New("missing aad")

	// ErrAadMismatch means the envelope's AAD does not match the AAD
	// recomputed from server-known context.
	ErrAadMismatch = errors.New("aad mismatch")

	// ErrReplayDetected means an identical nonce+tag was already accepted for
	// this chat and sender within the replay window.
	ErrReplayDetected = errors.New("replay detected")
)

// Context is the delivery context the server itself assigned or verified.
// None of these values are trusted from the sending client alone.
type Context struct {
	MessageID string
	ChatID    string
	SenderID  string
}

// Guard validates ciphertext envelopes at the trust-zone edge. It never
// decrypts; it checks structural and contextual integrity and rejects
// replays before anything reaches storage or delivery.
type Guard struct {
	replay ReplayStore
}

func New(replay ReplayStore) *Guard {
	return &Guard{replay: replay}
}

// Process validates one inbound envelope and, on acceptance, returns the
// canonical envelope carrying the authoritative ids.
func (g *Guard) Process(ctx context.Context, env *model.MessageEnvelope, rc Context) (*model.CanonicalEnvelope, error) {
	if len(env.AAD) == 0 {
		log.Warn("envelope rejected: no aad",
			zap.String("chat_id", rc.ChatID), zap.String("sender_id", rc.SenderID))
		return nil, ErrMissingAAD
	}

	expected := model.ComputeAAD(rc.MessageID, rc.ChatID, rc.SenderID, env.Algorithm, env.KeyID)
	if subtle.ConstantTimeCompare(env.AAD, expected) != 1 {
		log.Warn("envelope rejected: aad mismatch",
			zap.String("chat_id", rc.ChatID), zap.String("sender_id", rc.SenderID),
			zap.String("message_id", rc.MessageID))
		return nil, ErrAadMismatch
	}

	seen, err := g.replay.CheckAndMark(ctx, ReplayKey(rc.ChatID, rc.SenderID, env.Nonce, env.Tag), ReplayTTL)
	if err != nil {
		return nil, fmt.Errorf("replay store: %w", err)
	}
	if seen {
		log.Warn("envelope rejected: replay",
			zap.String("chat_id", rc.ChatID), zap.String("sender_id", rc.SenderID))
		return nil, ErrReplayDetected
	}

	return &model.CanonicalEnvelope{
		MessageEnvelope: *env,
		MessageID:       rc.MessageID,
		ChatID:          rc.ChatID,
		SenderID:        rc.SenderID,
	}, nil
}
