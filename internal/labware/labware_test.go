package labware

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyPlate = `
type: 96-PCR-flat
origin-offset: {x: 11.24, y: 14.34}
locations:
  B1: {x: 0, y: 9, z: 0, depth: 10.5, diameter: 6.4}
  A2: {x: 9, y: 0, z: 0, depth: 10.5, diameter: 6.4}
  A1: {x: 0, y: 0, z: 0, depth: 10.5, diameter: 6.4}
  B2: {x: 9, y: 9, z: 0, depth: 10.5, diameter: 6.4}
`

func legacyFS() fstest.MapFS {
	return fstest.MapFS{
		"96-PCR-flat.yaml": {Data: []byte(legacyPlate)},
		"broken.yaml":      {Data: []byte("locations: [1, 2")},
		"empty.yml":        {Data: []byte("type: nothing\n")},
	}
}

func TestDefinitionHelpers(t *testing.T) {
	defs := Builtin()
	byName := make(map[string]Definition)
	for _, d := range defs {
		require.NoError(t, d.Validate(), d.Name)
		byName[d.Name] = d
	}

	plate := byName[Flat96]
	assert.Len(t, plate.Wells, 96)
	assert.Equal(t, "A1", plate.Wells[0].Name)
	assert.Equal(t, "B1", plate.Wells[1].Name)
	h12, ok := plate.Well("h12")
	require.True(t, ok)
	assert.InDelta(t, 14.38+99, h12.X, 1e-9)
	assert.InDelta(t, 74.24-63, h12.Y, 1e-9)
	_, ok = plate.Well("Z99")
	assert.False(t, ok)

	assert.True(t, byName[Trough12Row].IsTrough())
	assert.False(t, plate.IsTrough())
	assert.True(t, byName[Tiprack300].IsTiprack())

	assert.InDelta(t, 10.5, plate.OriginPoint().Z, 1e-9, "z inferred from height")
	plate.Origin.Z = 3
	assert.InDelta(t, 3.0, plate.OriginPoint().Z, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want string
	}{
		{"no name", Definition{Wells: []Well{{Name: "A1"}}}, "name is required"},
		{"no wells", Definition{Name: "x"}, "no wells"},
		{"negative height", Definition{Name: "x", Height: -1, Wells: []Well{{Name: "A1"}}}, "negative height"},
		{"unnamed well", Definition{Name: "x", Wells: []Well{{}}}, "without a name"},
		{"duplicate well", Definition{Name: "x", Wells: []Well{{Name: "A1"}, {Name: "a1"}}}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.def.Validate(), tt.want)
		})
	}
}

func TestLegacySource(t *testing.T) {
	src := NewLegacySourceFS(legacyFS())
	ctx := context.Background()

	def, err := src.Load(ctx, "96-PCR-flat")
	require.NoError(t, err)
	assert.Equal(t, "96-PCR-flat", def.Type)
	assert.InDelta(t, 11.24, def.Origin.X, 1e-9)
	assert.InDelta(t, 10.5, def.Height, 1e-9)
	names := make([]string, 0, len(def.Wells))
	for _, w := range def.Wells {
		names = append(names, w.Name)
	}
	assert.Equal(t, []string{"A1", "B1", "A2", "B2"}, names)

	_, err = src.Load(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = src.Load(ctx, "broken")
	assert.ErrorContains(t, err, "parse")

	_, err = src.Load(ctx, "empty")
	assert.ErrorContains(t, err, "no wells")

	_, err = src.Load(ctx, "../etc/passwd")
	assert.ErrorContains(t, err, "invalid labware name")
}

func TestSortWellNames(t *testing.T) {
	names := []string{"B10", "A2", "odd", "AA1", "A10", "B1", "A1"}
	sortWellNames(names)
	assert.Equal(t, []string{"A1", "B1", "AA1", "A2", "A10", "B10", "odd"}, names)
}

func TestRotateLegacy(t *testing.T) {
	def := Definition{Name: "p", Wells: []Well{
		{Name: "A1", X: 0, Y: 0},
		{Name: "A2", X: 9, Y: 0},
		{Name: "B1", X: 0, Y: 9},
	}}
	got := RotateLegacy(def)
	assert.Equal(t, Well{Name: "A1", X: 0, Y: 9}, got.Wells[0])
	assert.Equal(t, Well{Name: "A2", X: 0, Y: 0}, got.Wells[1])
	assert.Equal(t, Well{Name: "B1", X: 9, Y: 9}, got.Wells[2])
	assert.InDelta(t, 9.0, def.Wells[1].X, 1e-9, "input left untouched")
}

type countingStore struct {
	*MemoryStore
	saves int
}

func (c *countingStore) Save(ctx context.Context, def Definition) error {
	c.saves++
	return c.MemoryStore.Save(ctx, def)
}

func TestMigratingCatalog(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore(Builtin()...)}
	cat := NewMigratingCatalog(store, NewLegacySourceFS(legacyFS()))

	def, err := cat.Load(ctx, Flat96)
	require.NoError(t, err)
	assert.Equal(t, Flat96, def.Name)
	assert.Zero(t, store.saves)

	def, err = cat.Load(ctx, "96-PCR-flat")
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
	a2, ok := def.Well("A2")
	require.True(t, ok)
	assert.InDelta(t, 0.0, a2.X, 1e-9, "stored rotated")
	assert.InDelta(t, 0.0, a2.Y, 1e-9)

	_, err = cat.Load(ctx, "96-PCR-flat")
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves, "second load served by the store")

	_, err = cat.Load(ctx, "nowhere")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = cat.Load(ctx, "broken")
	assert.ErrorContains(t, err, "legacy lookup")

	noLegacy := NewMigratingCatalog(NewMemoryStore(), nil)
	_, err = noLegacy.Load(ctx, "96-PCR-flat")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	def := Definition{Name: "p", Wells: []Well{{Name: "A1", X: 1}}}
	require.NoError(t, s.Save(ctx, def))
	def.Wells[0].X = 99

	got, err := s.Load(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Wells[0].X, 1e-9)
	got.Wells[0].X = 42

	again, err := s.Load(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, again.Wells[0].X, 1e-9)

	assert.Error(t, s.Save(ctx, Definition{Name: "bad"}))
	assert.Equal(t, []string{"p"}, s.Names())
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Definition{Name: Flat96, Height: 1, Wells: []Well{{Name: "A1"}}})
	require.NoError(t, Seed(ctx, s, Builtin()...))
	assert.Len(t, s.Names(), len(Builtin()))

	kept, err := s.Load(ctx, Flat96)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, kept.Height, 1e-9, "existing entries are not overwritten")
}
