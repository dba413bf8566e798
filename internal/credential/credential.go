// Package credential stores provider secrets. The OS keychain is preferred;
// when it is unavailable secrets live only in process memory.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	ErrNotFound    = errors.New("credential not found")
	ErrUnavailable = errors.New("secure storage unavailable")
	ErrEmptyKey    = errors.New("credential account must not be empty")
)

const (
	ModeAuto     = "auto"
	ModeKeychain = "keychain"
	ModeMemory   = "memory"
)

// Store is one credential strategy.
type Store interface {
	Get(account string) (string, error)
	Set(account, secret string) error
	Delete(account string) error
	// Backend names the strategy ("keychain", "memory", ...).
	Backend() string
	// Persistent reports whether secrets survive a restart.
	Persistent() bool
}

// Info describes the active strategy for the UI.
type Info struct {
	Backend    string `json:"backend"`
	Persistent bool   `json:"persistent"`
	Service    string `json:"service"`
}

func Describe(s Store, service string) Info {
	return Info{Backend: s.Backend(), Persistent: s.Persistent(), Service: service}
}

const probeAccount = "__hostd_probe__"

// Select picks the credential strategy once at start-up. In auto mode the
// keychain is probed with a set/get/delete round trip and the in-memory store
// is used when the probe fails.
func Select(service, mode string, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "credential")
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeMemory:
		log.Info("using in-memory credential store", "reason", "configured")
		return NewMemory(), nil
	case ModeKeychain:
		kc := NewKeychain(service)
		if err := probe(kc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		log.Info("using OS keychain", "service", service)
		return WithFallback(kc, log), nil
	case "", ModeAuto:
		kc := NewKeychain(service)
		if err := probe(kc); err != nil {
			log.Warn("OS keychain unavailable, secrets will not persist", "error", err)
			return NewMemory(), nil
		}
		log.Info("using OS keychain", "service", service)
		return WithFallback(kc, log), nil
	default:
		return nil, fmt.Errorf("unknown credential mode %q", mode)
	}
}

func probe(s Store) error {
	const secret = "probe"
	if err := s.Set(probeAccount, secret); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	got, err := s.Get(probeAccount)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if got != secret {
		return errors.New("read back a different value")
	}
	if err := s.Delete(probeAccount); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func validAccount(account string) error {
	if strings.TrimSpace(account) == "" {
		return ErrEmptyKey
	}
	return nil
}
