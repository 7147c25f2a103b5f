package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlugin is a scriptable Plugin for tests.
type fakePlugin struct {
	descriptor *Descriptor
	onInit     func(ctx context.Context, caps *Capabilities) error
	onShutdown func(ctx context.Context) error
}

func (p *fakePlugin) Descriptor() *Descriptor { return p.descriptor }

func (p *fakePlugin) Initialize(ctx context.Context, caps *Capabilities) error {
	if p.onInit != nil {
		return p.onInit(ctx, caps)
	}
	return nil
}

func (p *fakePlugin) Shutdown(ctx context.Context) error {
	if p.onShutdown != nil {
		return p.onShutdown(ctx)
	}
	return nil
}

func node(id, version string, deps ...Dependency) *Discovered {
	d := &Descriptor{
		ID:           id,
		Version:      version,
		Kind:         KindGo,
		Dependencies: deps,
	}
	return &Discovered{
		Descriptor: d,
		Factory:    func() Plugin { return &fakePlugin{descriptor: d} },
	}
}

func orderIDs(res *Resolution) []string {
	ids := make([]string, len(res.Order))
	for i, f := range res.Order {
		ids[i] = f.id()
	}
	return ids
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	res := Resolve([]*Discovered{
		node("ui", "1.0.0", Dependency{ID: "finance"}, Dependency{ID: "core"}),
		node("finance", "1.0.0", Dependency{ID: "core"}),
		node("core", "1.0.0"),
	})

	require.Empty(t, res.Failed)
	ids := orderIDs(res)
	require.Len(t, ids, 3)

	position := make(map[string]int)
	for i, id := range ids {
		position[id] = i
	}
	assert.Less(t, position["core"], position["finance"])
	assert.Less(t, position["finance"], position["ui"])
}

func TestResolveIndependentPluginsAreAlphabetical(t *testing.T) {
	res := Resolve([]*Discovered{
		node("zeta", "1.0.0"),
		node("alpha", "1.0.0"),
		node("mid", "1.0.0"),
	})

	require.Empty(t, res.Failed)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, orderIDs(res))
}

func TestResolveCycleFailsOnlyCycleMembers(t *testing.T) {
	res := Resolve([]*Discovered{
		node("a", "1.0.0", Dependency{ID: "b"}),
		node("b", "1.0.0", Dependency{ID: "a"}),
		node("c", "1.0.0"),
	})

	assert.Equal(t, []string{"c"}, orderIDs(res))

	require.Contains(t, res.Failed, "a")
	require.Contains(t, res.Failed, "b")
	assert.Equal(t, ErrCyclicDependency, res.Failed["a"].Kind)
	assert.Equal(t, ErrCyclicDependency, res.Failed["b"].Kind)
	assert.NotContains(t, res.Failed, "c")
	assert.Contains(t, res.Failed["a"].Chain, "a")
	assert.Contains(t, res.Failed["a"].Chain, "b")
}

func TestResolveMissingDependency(t *testing.T) {
	res := Resolve([]*Discovered{
		node("needy", "1.0.0", Dependency{ID: "ghost"}),
		node("standalone", "1.0.0"),
	})

	assert.Equal(t, []string{"standalone"}, orderIDs(res))
	require.Contains(t, res.Failed, "needy")
	assert.Equal(t, ErrMissingDependency, res.Failed["needy"].Kind)
	assert.Equal(t, []string{"needy", "ghost"}, res.Failed["needy"].Chain)
}

func TestResolveVersionMismatch(t *testing.T) {
	res := Resolve([]*Discovered{
		node("old", "0.9.0"),
		node("picky", "1.0.0", Dependency{ID: "old", Range: ">= 1.0.0"}),
	})

	assert.Equal(t, []string{"old"}, orderIDs(res))
	require.Contains(t, res.Failed, "picky")
	assert.Equal(t, ErrVersionMismatch, res.Failed["picky"].Kind)
}

func TestResolveFailurePoisonsTransitiveDependents(t *testing.T) {
	res := Resolve([]*Discovered{
		node("broken", "1.0.0", Dependency{ID: "ghost"}),
		node("middle", "1.0.0", Dependency{ID: "broken"}),
		node("top", "1.0.0", Dependency{ID: "middle"}),
		node("bystander", "1.0.0"),
	})

	assert.Equal(t, []string{"bystander"}, orderIDs(res))
	for _, id := range []string{"broken", "middle", "top"} {
		require.Contains(t, res.Failed, id)
		assert.Equal(t, ErrMissingDependency, res.Failed[id].Kind)
	}
	assert.Equal(t, []string{"top", "middle", "broken", "ghost"}, res.Failed["top"].Chain)
}

func TestResolveSatisfiedRange(t *testing.T) {
	res := Resolve([]*Discovered{
		node("core", "1.4.2"),
		node("dep", "1.0.0", Dependency{ID: "core", Range: "^1.2"}),
	})

	require.Empty(t, res.Failed)
	assert.Equal(t, []string{"core", "dep"}, orderIDs(res))
}
