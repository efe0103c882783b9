package rdma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedVerbsAllocPD(t *testing.T) {
	backend := NewSimulatedVerbs()
	ctx := backend.OpenDevice("mlx5_0")
	assert.NotZero(t, ctx)
	assert.Equal(t, "mlx5_0", backend.DeviceName(ctx))

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)
	assert.NotZero(t, pd)

	_, err = backend.AllocPD(DeviceContext(9999))
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestSimulatedVerbsCreateCQ(t *testing.T) {
	backend := NewSimulatedVerbs()
	ctx := backend.OpenDevice("mlx5_0")

	cq, err := backend.CreateCQ(ctx, 1, 0)
	require.NoError(t, err)
	assert.NotZero(t, cq)

	size, ok := backend.CQSize(cq)
	require.True(t, ok)
	assert.Equal(t, 1, size)
	assert.Equal(t, 1, backend.LiveCQs())

	err = backend.DestroyCQ(cq)
	require.NoError(t, err)
	assert.Equal(t, 0, backend.LiveCQs())

	err = backend.DestroyCQ(cq)
	assert.ErrorIs(t, err, ErrCQCreation)
}

func TestSimulatedVerbsCreateQP(t *testing.T) {
	backend := NewSimulatedVerbs()
	ctx := backend.OpenDevice("mlx5_0")

	pd, _ := backend.AllocPD(ctx)
	cq, _ := backend.CreateCQ(ctx, 1, 0)

	attr := &QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		QPType: QPTypeUD,
		Cap:    QPCap{MaxSendWR: 2, MaxRecvWR: 2, MaxSendSge: 1, MaxRecvSge: 1},
	}

	qp, err := backend.CreateQP(pd, attr)
	require.NoError(t, err)
	assert.NotZero(t, qp)

	got, ok := backend.QPAttr(qp)
	require.True(t, ok)
	assert.Equal(t, *attr, got)

	qpNum, err := backend.QPNum(qp)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), qpNum)

	// A CQ cannot be destroyed while a QP still uses it.
	assert.ErrorIs(t, backend.DestroyCQ(cq), ErrCQBusy)

	require.NoError(t, backend.DestroyQP(qp))
	require.NoError(t, backend.DestroyCQ(cq))
	assert.Equal(t, 0, backend.LiveQPs())
}

func TestSimulatedVerbsCreateQPInvalid(t *testing.T) {
	backend := NewSimulatedVerbs()
	ctx := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)

	_, err := backend.CreateQP(PD(4242), &QPInitAttr{})
	assert.ErrorIs(t, err, ErrPDCreation)

	_, err = backend.CreateQP(pd, &QPInitAttr{SendCQ: 1, RecvCQ: 1})
	assert.ErrorIs(t, err, ErrCQCreation)

	_, err = backend.CreateQP(pd, nil)
	assert.ErrorIs(t, err, ErrQPCreation)
}

func TestSimulatedVerbsQPNumsUniquePerDevice(t *testing.T) {
	backend := NewSimulatedVerbs()
	ctx := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)
	cq, _ := backend.CreateCQ(ctx, 16, 0)

	seen := make(map[uint32]bool)

	for range 32 {
		qp, err := backend.CreateQP(pd, &QPInitAttr{SendCQ: cq, RecvCQ: cq, QPType: QPTypeUD})
		require.NoError(t, err)

		qpNum, err := backend.QPNum(qp)
		require.NoError(t, err)
		assert.False(t, seen[qpNum], "duplicate qp_num %#x", qpNum)
		seen[qpNum] = true
	}
}

func TestSimulatedVerbsErrorInjection(t *testing.T) {
	backend := NewSimulatedVerbs()
	ctx := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)
	cq, _ := backend.CreateCQ(ctx, 1, 0)

	injected := errors.New("injected")

	tests := []struct {
		name   string
		inject func()
		call   func() error
	}{
		{
			name:   "AllocPD",
			inject: func() { backend.SetAllocPDError(injected) },
			call: func() error {
				_, err := backend.AllocPD(ctx)
				return err
			},
		},
		{
			name:   "CreateCQ",
			inject: func() { backend.SetCreateCQError(injected) },
			call: func() error {
				_, err := backend.CreateCQ(ctx, 1, 0)
				return err
			},
		},
		{
			name:   "CreateQP",
			inject: func() { backend.SetCreateQPError(injected) },
			call: func() error {
				_, err := backend.CreateQP(pd, &QPInitAttr{SendCQ: cq, RecvCQ: cq})
				return err
			},
		},
		{
			name:   "DestroyQP",
			inject: func() { backend.SetDestroyQPError(injected) },
			call:   func() error { return backend.DestroyQP(QP(1)) },
		},
		{
			name:   "DestroyCQ",
			inject: func() { backend.SetDestroyCQError(injected) },
			call:   func() error { return backend.DestroyCQ(cq) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.inject()
			assert.ErrorIs(t, tt.call(), injected)
		})
	}

	metrics := backend.GetMetrics()
	assert.Equal(t, true, metrics["simulated"])
	assert.Equal(t, int64(len(tests)), metrics["errors"])
}

func TestQPTypeString(t *testing.T) {
	assert.Equal(t, "RC", QPTypeRC.String())
	assert.Equal(t, "UD", QPTypeUD.String())
	assert.Equal(t, "unknown", QPType(42).String())
}
