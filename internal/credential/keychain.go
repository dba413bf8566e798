package credential

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// Keychain stores secrets in the OS-native keychain under one service name.
type Keychain struct {
	service string
}

func NewKeychain(service string) *Keychain {
	if service == "" {
		service = "hostd"
	}
	return &Keychain{service: service}
}

func (k *Keychain) Get(account string) (string, error) {
	if err := validAccount(account); err != nil {
		return "", err
	}
	v, err := keyring.Get(k.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func (k *Keychain) Set(account, secret string) error {
	if err := validAccount(account); err != nil {
		return err
	}
	return keyring.Set(k.service, account, secret)
}

// Delete is idempotent: deleting an absent entry succeeds.
func (k *Keychain) Delete(account string) error {
	if err := validAccount(account); err != nil {
		return err
	}
	err := keyring.Delete(k.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func (k *Keychain) Backend() string  { return "keychain" }
func (k *Keychain) Persistent() bool { return true }
