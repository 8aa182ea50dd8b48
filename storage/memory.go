package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// Memory is an in-memory implementation of the KV contract used in tests and
// for ephemeral tooling runs.
type Memory struct {
	mu    sync.RWMutex
	kv    map[string][]byte
	lists map[string][][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{kv: make(map[string][]byte), lists: make(map[string][][]byte)}
}

// KVPut encodes the value and stores it under key.
func (m *Memory) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.kv[string(key)] = encoded
	m.mu.Unlock()
	return nil
}

// KVGet decodes the value stored under key into out.
func (m *Memory) KVGet(key []byte, out interface{}) (bool, error) {
	m.mu.RLock()
	encoded, ok := m.kv[string(key)]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends a raw encoded entry to the list stored under key.
func (m *Memory) KVAppend(key []byte, value []byte) error {
	m.mu.Lock()
	k := string(key)
	m.lists[k] = append(m.lists[k], append([]byte(nil), value...))
	m.mu.Unlock()
	return nil
}

// KVGetList decodes the list stored under key into out.
func (m *Memory) KVGetList(key []byte, out interface{}) error {
	m.mu.RLock()
	list := m.lists[string(key)]
	m.mu.RUnlock()
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return rlp.DecodeBytes(encoded, out)
}
