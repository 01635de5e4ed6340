package doubleratchet

import (
	"time"

	"e2ee_core/internal/model"
)

type (
	// SkippedKeySnapshot is one cached out-of-order message key.
	SkippedKeySnapshot struct {
		RatchetPub [32]byte `json:"ratchet_pub"`
		ChainIndex uint32   `json:"chain_index"`
		Key        []byte   `json:"key"`
	}

	// Snapshot is the persistable shape of a session. The surrounding
	// application stores it across restarts; the storage mechanism is its
	// choice, the shape is ours.
	Snapshot struct {
		State     State           `json:"state"`
		Algorithm model.Algorithm `json:"algorithm"`

		RootKey          []byte   `json:"root_key"`
		LocalRatchetPriv [32]byte `json:"local_ratchet_priv"`
		LocalRatchetPub  [32]byte `json:"local_ratchet_pub"`
		RemoteRatchetPub [32]byte `json:"remote_ratchet_pub"`

		SendingChainKey   []byte `json:"sending_chain_key"`
		ReceivingChainKey []byte `json:"receiving_chain_key"`
		Ns                uint32 `json:"ns"`
		Nr                uint32 `json:"nr"`
		PN                uint32 `json:"pn"`
		Epoch             uint32 `json:"epoch"`

		CanStep       bool      `json:"can_step"`
		RecvSinceSend bool      `json:"recv_since_send"`
		LastStepAt    time.Time `json:"last_step_at"`

		SkippedKeys []SkippedKeySnapshot `json:"skipped_keys,omitempty"`
	}
)

// Snapshot copies the full session state for persistence.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sn := &Snapshot{
		State:             s.state,
		Algorithm:         s.algorithm,
		RootKey:           append([]byte(nil), s.rootKey...),
		LocalRatchetPriv:  s.dhsPriv,
		LocalRatchetPub:   s.dhsPub,
		RemoteRatchetPub:  s.dhr,
		SendingChainKey:   append([]byte(nil), s.sendCK...),
		ReceivingChainKey: append([]byte(nil), s.recvCK...),
		Ns:                s.ns,
		Nr:                s.nr,
		PN:                s.pn,
		Epoch:             s.epoch,
		CanStep:           s.canStep,
		RecvSinceSend:     s.recvSinceSend,
		LastStepAt:        s.lastStepAt,
	}
	for el := s.skipped.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*skippedEntry)
		sn.SkippedKeys = append(sn.SkippedKeys, SkippedKeySnapshot{
			RatchetPub: entry.id.pub,
			ChainIndex: entry.id.index,
			Key:        append([]byte(nil), entry.key...),
		})
	}
	return sn
}

// Restore rebuilds a session from a snapshot.
func Restore(sn *Snapshot, opts ...Option) *Session {
	s := &Session{
		state:         sn.State,
		algorithm:     sn.Algorithm,
		rootKey:       append([]byte(nil), sn.RootKey...),
		dhsPriv:       sn.LocalRatchetPriv,
		dhsPub:        sn.LocalRatchetPub,
		dhr:           sn.RemoteRatchetPub,
		sendCK:        append([]byte(nil), sn.SendingChainKey...),
		recvCK:        append([]byte(nil), sn.ReceivingChainKey...),
		ns:            sn.Ns,
		nr:            sn.Nr,
		pn:            sn.PN,
		epoch:         sn.Epoch,
		skipped:       newSkippedKeys(MaxSkippedKeys),
		canStep:       sn.CanStep,
		recvSinceSend: sn.RecvSinceSend,
		lastStepAt:    sn.LastStepAt,
		now:           time.Now,
	}
	if len(s.sendCK) == 0 {
		s.sendCK = nil
	}
	if len(s.recvCK) == 0 {
		s.recvCK = nil
	}
	for _, sk := range sn.SkippedKeys {
		s.skipped.put(sk.RatchetPub, sk.ChainIndex, append([]byte(nil), sk.Key...))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
