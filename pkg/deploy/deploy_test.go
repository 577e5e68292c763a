package deploy_test

import (
	"context"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/deploy"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/module"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/stretchr/testify/require"
)

var global = module.Visibility{Kind: module.Global}

func prims() *module.Module {
	return &module.Module{
		Lits: []*module.LitType{
			{Caps: types.Drop | types.Copy | types.Persist | types.Primitive | types.Value, Size: 1, Create: global, Consume: global, Inspect: global},
		},
		Data: []*module.Data{
			{
				Caps:   types.Drop,
				Create: global, Consume: global, Inspect: global,
				Ctrs: [][]module.TypeRef{{}},
			},
		},
	}
}

// duplicate returns two copies of a u8 from prims.
func duplicate(prims hash.Hash) *module.Module {
	return &module.Module{Functions: []*module.Function{{
		Shared: module.Shared{Imports: module.Imports{
			Modules: []hash.Hash{prims},
			Types:   []module.TypeImport{{Kind: module.TypeLit, Module: 1, Offset: 0}},
		}},
		Call:    global,
		Params:  []module.Param{{Type: module.ImportRef(0)}},
		Returns: []module.TypeRef{module.ImportRef(0), module.ImportRef(0)},
		Body: &module.Block{Ops: []module.Op{
			module.Copy{Ref: 0},
			module.Copy{Ref: 1},
			module.Return{Refs: []module.Ref{1, 0}},
		}},
	}}}
}

// copySecret copies a data type from prims that lacks the copy capability.
func copySecret(prims hash.Hash) *module.Module {
	return &module.Module{Functions: []*module.Function{{
		Shared: module.Shared{Imports: module.Imports{
			Modules: []hash.Hash{prims},
			Types:   []module.TypeImport{{Kind: module.TypeData, Module: 1, Offset: 0}},
		}},
		Call:   global,
		Params: []module.Param{{Type: module.ImportRef(0), Consumes: true}},
		Body: &module.Block{Ops: []module.Op{
			module.Copy{Ref: 0},
			module.Return{},
		}},
	}}}
}

func encode(t *testing.T, m *module.Module) ([]byte, hash.Hash) {
	t.Helper()
	r := require.New(t)

	buf, err := module.Encode(m)
	r.NoError(err)
	return buf, hash.Sum(buf)
}

func newDeployer(t *testing.T) (*deploy.Deployer, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	d, err := deploy.New(slogt.New(t), store.NewOverlay(mem), deploy.DefaultConfig())
	require.NoError(t, err)
	return d, mem
}

func TestModule(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	d, mem := newDeployer(t)

	buf, want := encode(t, prims())

	h, err := d.Module(ctx, buf)
	r.NoError(err)
	r.Equal(want, h)
	r.Equal(1, mem.Len(store.Module))

	h, err = d.Module(ctx, buf)
	r.NoError(err)
	r.Equal(want, h)
	r.Equal(1, mem.Len(store.Module))

	_, err = d.Module(ctx, buf[:len(buf)-1])
	r.ErrorIs(err, failure.ErrMalformed)
}

func TestModuleUnresolvedImport(t *testing.T) {
	r := require.New(t)
	d, mem := newDeployer(t)

	_, prim := encode(t, prims())
	buf, _ := encode(t, duplicate(prim))

	_, err := d.Module(context.Background(), buf)
	r.ErrorIs(err, failure.ErrUnresolved)
	r.Zero(mem.Len(store.Module))
}

func TestModulesOrdered(t *testing.T) {
	r := require.New(t)
	d, mem := newDeployer(t)

	primBuf, prim := encode(t, prims())
	dupBuf, dup := encode(t, duplicate(prim))

	hashes, err := d.Modules(context.Background(), [][]byte{dupBuf, primBuf})
	r.NoError(err)
	r.Equal([]hash.Hash{prim, dup}, hashes)
	r.Equal(2, mem.Len(store.Module))
}

func TestModuleRejected(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	d, mem := newDeployer(t)

	primBuf, prim := encode(t, prims())
	_, err := d.Module(ctx, primBuf)
	r.NoError(err)

	buf, _ := encode(t, copySecret(prim))
	_, err = d.Module(ctx, buf)
	r.ErrorIs(err, failure.ErrCapabilityMissing)
	r.Equal(1, mem.Len(store.Module))
}

func TestDescriptor(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	d, mem := newDeployer(t)

	u8 := value.Unsigned{Width: 1}
	desc := &bytecode.Descriptor{
		MaxStack:  8,
		MaxFrames: 2,
		MaxHeap:   64,
		GasCost:   10,
		Params:    []bytecode.Param{{Schema: u8, Caps: types.LitCaps}},
		Returns:   []bytecode.ReturnSpec{{Schema: u8, Caps: types.LitCaps}, {Schema: u8, Caps: types.LitCaps}},
		Functions: []bytecode.Function{&bytecode.Exp{Params: 1, Results: 2, Ops: []bytecode.Op{
			bytecode.Copy{Ref: 0},
		}}},
	}
	buf, err := bytecode.Encode(desc)
	r.NoError(err)

	h, err := d.Descriptor(ctx, buf)
	r.NoError(err)
	r.Equal(hash.Sum(buf), h)
	r.Equal(1, mem.Len(store.Descriptor))

	desc.Returns = desc.Returns[:1]
	buf, err = bytecode.Encode(desc)
	r.NoError(err)

	_, err = d.Descriptor(ctx, buf)
	r.ErrorIs(err, failure.ErrArity)
	r.Equal(1, mem.Len(store.Descriptor))
}
