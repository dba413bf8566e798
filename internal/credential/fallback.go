package credential

import (
	"errors"
	"log/slog"
	"sync"
)

// pending is a change the keychain refused. A nil secret is a tombstone.
type pending struct {
	secret *string
}

// Fallback wraps a primary store. When the primary fails at runtime the
// error is logged and the change is kept in memory, so callers never see
// keychain failures. Pending changes shadow the keychain until a write to it
// succeeds, so a healed keychain never resurrects an overwritten or deleted
// secret.
type Fallback struct {
	primary Store
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]pending
}

func WithFallback(primary Store, log *slog.Logger) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{primary: primary, log: log, pending: make(map[string]pending)}
}

func (f *Fallback) Get(account string) (string, error) {
	if err := validAccount(account); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pending[account]; ok {
		f.flushLocked(account, p)
		if p.secret == nil {
			return "", ErrNotFound
		}
		return *p.secret, nil
	}
	v, err := f.primary.Get(account)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, ErrNotFound):
		return "", ErrNotFound
	default:
		f.log.Warn("keychain read failed", "account", account, "error", err)
		return "", ErrNotFound
	}
}

// flushLocked retries a pending change against the primary and forgets it
// once the primary accepts it.
func (f *Fallback) flushLocked(account string, p pending) {
	var err error
	if p.secret == nil {
		err = f.primary.Delete(account)
	} else {
		err = f.primary.Set(account, *p.secret)
	}
	if err == nil {
		delete(f.pending, account)
		f.log.Info("keychain caught up with in-memory change", "account", account)
	}
}

func (f *Fallback) Set(account, secret string) error {
	if err := validAccount(account); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.primary.Set(account, secret); err != nil {
		f.log.Warn("keychain write failed, secret kept in memory only", "account", account, "error", err)
		f.pending[account] = pending{secret: &secret}
		return nil
	}
	delete(f.pending, account)
	return nil
}

func (f *Fallback) Delete(account string) error {
	if err := validAccount(account); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.primary.Delete(account); err != nil {
		f.log.Warn("keychain delete failed, hiding secret until it succeeds", "account", account, "error", err)
		f.pending[account] = pending{}
		return nil
	}
	delete(f.pending, account)
	return nil
}

func (f *Fallback) Backend() string  { return f.primary.Backend() }
func (f *Fallback) Persistent() bool { return f.primary.Persistent() }
