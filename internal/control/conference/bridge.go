package conference

import (
	"context"
	"errors"

	"github.com/sebas/ariflow/internal/ari"
	"github.com/sebas/ariflow/internal/control/command"
	"github.com/sebas/ariflow/internal/control/stasis"
)

// BridgeOps issues retried commands against one bridge and absorbs the
// invalid-state answers that mean the desired state already holds.
type BridgeOps struct {
	d        *stasis.Dispatcher
	bridgeID string
	mohClass string
}

// NewBridgeOps binds bridge operations to bridgeID.
func NewBridgeOps(d *stasis.Dispatcher, bridgeID, mohClass string) *BridgeOps {
	if mohClass == "" {
		mohClass = "default"
	}
	return &BridgeOps{d: d, bridgeID: bridgeID, mohClass: mohClass}
}

// BridgeID returns the bridge this collaborator operates on.
func (b *BridgeOps) BridgeID() string { return b.bridgeID }

func (b *BridgeOps) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := command.Exec(ctx, op, fn, b.d.CommandOptions()...).Await(ctx)
	return stasis.Classify(err)
}

// Create creates a mixing bridge with the pre-generated id. Creating an id
// that already exists returns the existing bridge, so retries are safe.
func (b *BridgeOps) Create(ctx context.Context, name string) error {
	return b.exec(ctx, "create bridge", func(ctx context.Context) error {
		_, err := b.d.Client().Bridges().Create(ctx, b.bridgeID, "mixing", name)
		return err
	})
}

// Add puts a channel into the bridge.
func (b *BridgeOps) Add(ctx context.Context, channelID string) error {
	return b.exec(ctx, "add to bridge", func(ctx context.Context) error {
		return b.d.Client().Bridges().AddChannel(ctx, b.bridgeID, channelID, "")
	})
}

// Remove takes a channel out of the bridge. A channel or bridge that is
// already gone counts as removed.
func (b *BridgeOps) Remove(ctx context.Context, channelID string) error {
	err := b.exec(ctx, "remove from bridge", func(ctx context.Context) error {
		return b.d.Client().Bridges().RemoveChannel(ctx, b.bridgeID, channelID)
	})
	if ari.IsNotFound(err) || errors.Is(err, stasis.ErrChannelNotInApp) {
		return nil
	}
	return err
}

// Destroy deletes the bridge, tolerating a bridge that no longer exists.
func (b *BridgeOps) Destroy(ctx context.Context) error {
	err := b.exec(ctx, "destroy bridge", func(ctx context.Context) error {
		return b.d.Client().Bridges().Destroy(ctx, b.bridgeID)
	})
	if ari.IsNotFound(err) {
		return nil
	}
	return err
}

// StartMOH starts music on hold. A bridge already out of the application
// is not an error.
func (b *BridgeOps) StartMOH(ctx context.Context) error {
	err := b.exec(ctx, "start moh", func(ctx context.Context) error {
		return b.d.Client().Bridges().StartMOH(ctx, b.bridgeID, b.mohClass)
	})
	if errors.Is(err, stasis.ErrBridgeNotInApp) || ari.IsNotFound(err) {
		b.d.Logger().Debug("[Conference] MOH start on departed bridge ignored", "bridge_id", b.bridgeID)
		return nil
	}
	return err
}

// StopMOH stops music on hold, tolerating a bridge that is not playing.
func (b *BridgeOps) StopMOH(ctx context.Context) error {
	err := b.exec(ctx, "stop moh", func(ctx context.Context) error {
		return b.d.Client().Bridges().StopMOH(ctx, b.bridgeID)
	})
	if errors.Is(err, stasis.ErrNotPlayingMusic) || errors.Is(err, stasis.ErrBridgeNotInApp) || ari.IsNotFound(err) {
		return nil
	}
	return err
}

// MemberCount asks the server how many channels the bridge holds.
func (b *BridgeOps) MemberCount(ctx context.Context) (int, error) {
	br, err := command.Do(ctx, "get bridge", func(ctx context.Context) (*ari.BridgeData, error) {
		return b.d.Client().Bridges().Get(ctx, b.bridgeID)
	}, b.d.CommandOptions()...).Await(ctx)
	if err != nil {
		if ari.IsNotFound(err) {
			return 0, nil
		}
		return 0, stasis.Classify(err)
	}
	return len(br.ChannelIDs), nil
}

// Play prepares a playback to every member.
func (b *BridgeOps) Play(media string) *stasis.Play {
	return b.d.PlayOn(b.bridgeID, media)
}

// Record prepares a recording of the mixed audio.
func (b *BridgeOps) Record(name string) *stasis.Record {
	return b.d.RecordBridge(b.bridgeID, name)
}
