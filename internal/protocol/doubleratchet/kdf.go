package doubleratchet

import (
	"e2ee_core/internal/cryptographic/kdf"
)

// KDFRootKey mixes a DH output into the root key and derives the next root
// key plus a fresh chain key. The old root key acts as the HKDF salt.
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	buffer := make([]byte, 64)
	if _, err = kdf.Derive(dhOut, rootKey, []byte("RootKDF"), buffer); err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

// KDFChainKey advances a chain one step: the chain key evolves forward-only
// and yields a single-use message key. A message key can never recover the
// chain key it came from.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	nextChainKey, err = kdf.DeriveKey(chainKey, nil, []byte("chain"), 32)
	if err != nil {
		return nil, nil, err
	}
	msgKey, err = kdf.DeriveKey(chainKey, nil, []byte("msg"), 32)
	if err != nil {
		return nil, nil, err
	}
	return nextChainKey, msgKey, nil
}
