package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"aimigrate/services/migration"
)

// SubjectAssetOwned carries ownership changes published by the source
// platform whenever an asset is created, moved between projects or deleted.
const SubjectAssetOwned = "aimigrate.assets.owned"

const ownershipDurable = "migration-asset-index"

// OwnershipStore persists asset ownership. *ProjectIndex satisfies it.
type OwnershipStore interface {
	ProjectOf(ctx context.Context, t migration.AssetType, id string) (string, bool, error)
	SetProject(ctx context.Context, t migration.AssetType, id, projectID string) error
	Remove(ctx context.Context, t migration.AssetType, id string) error
}

// Subscriber opens durable subscriptions. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, durable string, fn func(context.Context, []byte) error) (io.Closer, error)
}

type ownershipEvent struct {
	AssetType string `mapstructure:"asset_type"`
	AssetID   string `mapstructure:"asset_id"`
	PrjSeq    string `mapstructure:"prj_seq"`
	Deleted   bool   `mapstructure:"deleted"`
}

// Indexer keeps the asset to project index current from ownership events.
type Indexer struct {
	store OwnershipStore
	sub   Subscriber
	log   zerolog.Logger

	subMu  sync.Mutex
	closer io.Closer
}

// NewIndexer constructs an Indexer for the provided dependencies.
func NewIndexer(store OwnershipStore, sub Subscriber, log zerolog.Logger) (*Indexer, error) {
	if store == nil {
		return nil, errors.New("ownership store is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &Indexer{store: store, sub: sub, log: log.With().Str("component", "indexer").Logger()}, nil
}

// Start subscribes to ownership events and applies them until ctx is cancelled.
func (i *Indexer) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil indexer")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	closer, err := i.sub.Subscribe(ctx, SubjectAssetOwned, ownershipDurable, i.handleOwned)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.closer = closer
	i.subMu.Unlock()
	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Indexer) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.closer == nil {
		return nil
	}
	err := i.closer.Close()
	i.closer = nil
	return err
}

func (i *Indexer) handleOwned(ctx context.Context, data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	var evt ownershipEvent
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &evt,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return err
	}

	t, err := migration.ParseAssetType(evt.AssetType)
	if err != nil {
		return err
	}
	if evt.AssetID == "" {
		return errors.New("asset_id missing from event")
	}

	log := i.log.With().Str("asset_type", string(t)).Str("asset_id", evt.AssetID).Logger()
	if evt.Deleted {
		if err := i.store.Remove(ctx, t, evt.AssetID); err != nil {
			return err
		}
		log.Debug().Msg("asset removed from index")
		return nil
	}
	if evt.PrjSeq == "" {
		return errors.New("prj_seq missing from event")
	}

	previous, found, err := i.store.ProjectOf(ctx, t, evt.AssetID)
	if err != nil {
		return err
	}
	if found && previous == evt.PrjSeq {
		return nil
	}
	if err := i.store.SetProject(ctx, t, evt.AssetID, evt.PrjSeq); err != nil {
		return err
	}
	if found {
		log.Info().Str("from", previous).Str("to", evt.PrjSeq).Msg("asset changed project")
	} else {
		log.Debug().Str("project", evt.PrjSeq).Msg("asset indexed")
	}
	return nil
}
