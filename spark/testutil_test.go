package spark

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/cabelitos/openr/mock"
	"github.com/cabelitos/openr/state"
	"github.com/cabelitos/openr/stats"
	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/require"
)

// newBareSpark builds an engine without Init: no goroutines, no socket
// pump. Unit tests drive its methods directly on the test goroutine.
func newBareSpark(t *testing.T, cfg state.Config, provider *mock.Provider) (*Spark, *state.State) {
	t.Helper()
	state.ExpandConfig(&cfg)
	require.NoError(t, state.ConfigValidator(&cfg))

	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(errors.New("test finished")) })

	s := &state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: make(chan func(*state.State) error, 256),
			Cfg:             cfg,
			Log:             discardLogger(),
		},
	}

	sp := New(provider)
	sp.env = s.Env
	sp.stats = stats.NewRegistry()

	rules, err := compileAreaRules(cfg.Areas)
	require.NoError(t, err)
	sp.areaRules = rules

	sp.interfaceDb = make(map[string]*Interface)
	sp.neighbors = make(map[string]map[string]*Neighbor)
	sp.activeNeighbors = make(map[string]map[string]struct{})
	sp.allocatedLabels = make(map[int32]struct{})
	sp.rateWindows = newRateWindows()
	sp.dropLogCache = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](time.Second),
	)
	return sp, s
}

func trackedInterface(name string, ifIndex int, v4, v6 string) *Interface {
	return &Interface{
		Name:               name,
		IfIndex:            ifIndex,
		V4Network:          netip.MustParsePrefix(v4),
		V6LinkLocalNetwork: netip.MustParsePrefix(v6),
	}
}
