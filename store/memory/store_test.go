package memory_test

import (
	"context"
	"testing"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/journal"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}

// Loaded events are copies; mutating them must not corrupt the log.
func TestLoadReturnsCopies(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sessID := id.NewSessionID()

	e, err := journal.NewEvent(sessID, journal.KindNodeOutputAppended, map[string]string{"note": "a"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := s.AppendEvents(ctx, sessID, []*journal.Event{e}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	first, err := s.LoadEvents(ctx, sessID, 0)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	first[0].Seq = 999
	first[0].Kind = "tampered"

	again, err := s.LoadEvents(ctx, sessID, 0)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if again[0].Seq != 1 || again[0].Kind != journal.KindNodeOutputAppended {
		t.Errorf("stored event mutated through a loaded copy: %+v", again[0])
	}
}
