package provider

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flacbridge/flacbridge-go/internal/cache"
	"github.com/flacbridge/flacbridge-go/internal/lyrics"
	"github.com/flacbridge/flacbridge-go/internal/metadata"
	"github.com/flacbridge/flacbridge-go/internal/network"
	"github.com/flacbridge/flacbridge-go/internal/progress"
)

// newTestDeps wires real collaborators with retries disabled so failure
// paths stay fast.
func newTestDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Clients: network.NewClients(network.Config{
			MaxRetries: -1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		}, zap.NewNop()),
		Cache:    cache.New(cache.Options{}),
		Registry: progress.NewRegistry(),
		Meta:     metadata.NewManager(nil),
		Lyrics:   lyrics.NewClient(nil, nil),
		Logger:   zap.NewNop(),
	}
}
