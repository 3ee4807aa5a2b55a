package settlement

import (
	"context"
	"testing"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePinStore 是内存版的预置结果存储。
type fakePinStore struct {
	pins map[draw.Cadence]*draw.Outcome
}

func newFakePinStore() *fakePinStore {
	return &fakePinStore{pins: make(map[draw.Cadence]*draw.Outcome)}
}

func (s *fakePinStore) SetPinned(_ context.Context, cadence draw.Cadence, oc draw.Outcome) error {
	s.pins[cadence] = &oc
	return nil
}

func (s *fakePinStore) TakePinned(_ context.Context, cadence draw.Cadence) (*draw.Outcome, error) {
	oc := s.pins[cadence]
	delete(s.pins, cadence)
	return oc, nil
}

func TestGenerateUsesPinnedOutcomeVerbatim(t *testing.T) {
	pins := newFakePinStore()
	pinned := draw.Outcome{Numbers: []int{1, 2, 3, 4, 5}, Power: 9}
	require.NoError(t, pins.SetPinned(context.Background(), "weekly", pinned))

	g := NewGenerator(pins, true)
	oc, err := g.Generate(context.Background(), weeklyCadence())
	require.NoError(t, err)
	assert.Equal(t, pinned, oc)

	// 预置结果是一次性的，取走后恢复随机生成
	oc2, err := g.Generate(context.Background(), weeklyCadence())
	require.NoError(t, err)
	assert.NoError(t, ValidateOutcomeShape(weeklyCadence(), oc2))
}

func TestGenerateIgnoresPinsInProductionMode(t *testing.T) {
	pins := newFakePinStore()
	require.NoError(t, pins.SetPinned(context.Background(), "weekly", draw.Outcome{Numbers: []int{1, 2, 3, 4, 5}, Power: 9}))

	g := NewGenerator(pins, false)
	oc, err := g.Generate(context.Background(), weeklyCadence())
	require.NoError(t, err)
	assert.NoError(t, ValidateOutcomeShape(weeklyCadence(), oc))
	// 预置结果不应被消费
	assert.NotNil(t, pins.pins["weekly"])
}

func TestGenerateRejectsMalformedPin(t *testing.T) {
	pins := newFakePinStore()
	require.NoError(t, pins.SetPinned(context.Background(), "weekly", draw.Outcome{Numbers: []int{1, 2, 3}, Power: 9}))

	g := NewGenerator(pins, true)
	_, err := g.Generate(context.Background(), weeklyCadence())
	assert.Error(t, err)
}

func TestGenerateProducesValidShape(t *testing.T) {
	g := NewGenerator(nil, false)
	cc := weeklyCadence()

	for i := 0; i < 50; i++ {
		oc, err := g.Generate(context.Background(), cc)
		require.NoError(t, err)
		require.NoError(t, ValidateOutcomeShape(cc, oc))

		// 号码升序且不重复
		for j := 1; j < len(oc.Numbers); j++ {
			assert.Less(t, oc.Numbers[j-1], oc.Numbers[j])
		}
	}
}

func TestGenerateWithoutPowerNumber(t *testing.T) {
	g := NewGenerator(nil, false)
	cc := config.CadenceConfig{Name: "daily", NumberCount: 4, NumberMax: 40}

	oc, err := g.Generate(context.Background(), cc)
	require.NoError(t, err)
	assert.Len(t, oc.Numbers, 4)
	assert.Zero(t, oc.Power)
}

func TestValidateOutcomeShape(t *testing.T) {
	cc := weeklyCadence()

	assert.NoError(t, ValidateOutcomeShape(cc, draw.Outcome{Numbers: []int{1, 2, 3, 4, 50}, Power: 20}))
	assert.Error(t, ValidateOutcomeShape(cc, draw.Outcome{Numbers: []int{1, 2, 3, 4}, Power: 1}), "号码数量不足")
	assert.Error(t, ValidateOutcomeShape(cc, draw.Outcome{Numbers: []int{1, 2, 3, 4, 51}, Power: 1}), "号码越界")
	assert.Error(t, ValidateOutcomeShape(cc, draw.Outcome{Numbers: []int{1, 2, 3, 4, 4}, Power: 1}), "号码重复")
	assert.Error(t, ValidateOutcomeShape(cc, draw.Outcome{Numbers: []int{1, 2, 3, 4, 5}, Power: 0}), "缺少特别号")
	assert.Error(t, ValidateOutcomeShape(cc, draw.Outcome{Numbers: []int{1, 2, 3, 4, 5}, Power: 21}), "特别号越界")
}
