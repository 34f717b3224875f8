package logging

import (
	"context"
	"io"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/storage/memory"
	"pkt.systems/editlock/internal/storage/storagetest"
)

func TestWrappedBackendConformance(t *testing.T) {
	logger := pslog.NewStructured(context.Background(), io.Discard)
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		return Wrap(memory.New(), logger, "storage.backend.memory")
	})
}
