package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/pin"
)

// PinWorkflow stores the pin with SET NX so a run can never be
// re-pinned.
func (s *Store) PinWorkflow(ctx context.Context, p *pin.Pinned) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal pin: %w", err)
	}
	ok, err := s.client.SetNX(ctx, pinKey(p.RunID.String()), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: pin workflow: %w", err)
	}
	if !ok {
		return fmt.Errorf("loom/redis: run %s already pinned", p.RunID)
	}
	return nil
}

// GetPinned returns the pin for a run.
func (s *Store) GetPinned(ctx context.Context, runID id.ID) (*pin.Pinned, error) {
	raw, err := s.client.Get(ctx, pinKey(runID.String())).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("loom/redis: run %s: %w", runID, loom.ErrPinNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get pinned: %w", err)
	}
	var p pin.Pinned
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("loom/redis: decode pin: %w", err)
	}
	return &p, nil
}
