package host

import (
	"context"

	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/store"
)

func (h *Host) SaveRecord(ctx context.Context, kind string, payload []byte) (int64, error) {
	if err := h.ready(); err != nil {
		return 0, err
	}
	return h.store.SaveRecord(ctx, kind, payload)
}

func (h *Host) ListRecords(ctx context.Context, limit, offset int) ([]store.Record, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	return h.store.ListRecords(ctx, limit, offset)
}

func (h *Host) GetRecord(ctx context.Context, id int64) (store.Record, error) {
	if err := h.ready(); err != nil {
		return store.Record{}, err
	}
	return h.store.GetRecord(ctx, id)
}

func (h *Host) DeleteRecord(ctx context.Context, id int64) (bool, error) {
	if err := h.ready(); err != nil {
		return false, err
	}
	return h.store.DeleteRecord(ctx, id)
}

func (h *Host) MarkSynced(ctx context.Context, ids ...int64) (int64, error) {
	if err := h.ready(); err != nil {
		return 0, err
	}
	return h.store.MarkSynced(ctx, ids...)
}

func (h *Host) ListUnsynced(ctx context.Context, limit int) ([]store.Record, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	return h.store.ListUnsynced(ctx, limit)
}

func (h *Host) CountRecords(ctx context.Context) (int64, error) {
	if err := h.ready(); err != nil {
		return 0, err
	}
	return h.store.CountRecords(ctx)
}

func (h *Host) GetSetting(ctx context.Context, key string) (store.Setting, error) {
	if err := h.ready(); err != nil {
		return store.Setting{}, err
	}
	return h.store.GetSetting(ctx, key)
}

func (h *Host) SetSetting(ctx context.Context, key, value string) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.store.SetSetting(ctx, key, value)
}

func (h *Host) DeleteSetting(ctx context.Context, key string) (bool, error) {
	if err := h.ready(); err != nil {
		return false, err
	}
	return h.store.DeleteSetting(ctx, key)
}

func (h *Host) ListSettings(ctx context.Context) ([]store.Setting, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	return h.store.ListSettings(ctx)
}

// PurgeSynced removes synced records older than the configured retention.
// It is a no-op when retention is disabled.
func (h *Host) PurgeSynced(ctx context.Context) (int64, error) {
	if err := h.ready(); err != nil {
		return 0, err
	}
	if h.cfg.Store.Retention <= 0 {
		return 0, nil
	}
	return h.store.PurgeSyncedBefore(ctx, retentionCutoff(h.cfg.Store.Retention))
}

func (h *Host) SecureGet(account string) (string, error) {
	if err := h.ready(); err != nil {
		return "", err
	}
	return h.creds.Get(account)
}

func (h *Host) SecureSet(account, secret string) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.creds.Set(account, secret)
}

func (h *Host) SecureDelete(account string) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.creds.Delete(account)
}

// SecureInfo names the active credential strategy.
func (h *Host) SecureInfo() (credential.Info, error) {
	if err := h.ready(); err != nil {
		return credential.Info{}, err
	}
	return credential.Describe(h.creds, h.cfg.Credentials.Service), nil
}
