package credential

import "sync"

// Memory keeps secrets for the lifetime of the process only. Nothing is
// written to disk.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (s *Memory) Get(account string) (string, error) {
	if err := validAccount(account); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[account]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(account, secret string) error {
	if err := validAccount(account); err != nil {
		return err
	}
	s.mu.Lock()
	s.m[account] = secret
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(account string) error {
	if err := validAccount(account); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.m, account)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Backend() string  { return "memory" }
func (s *Memory) Persistent() bool { return false }
