// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosineschedule_test

import (
	"math"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers"
	"github.com/gomlx/ddpspoof/pkg/ml/train/optimizers/cosineschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmRestarts(t *testing.T) {
	t.Run("TMult=1", func(t *testing.T) {
		s := cosineschedule.WarmRestarts{BaseLR: 1, T0: 10, TMult: 1, EtaMin: 0.1}
		require.NoError(t, s.Validate())
		assert.InDelta(t, 1.0, s.At(0), 1e-9)
		assert.InDelta(t, 0.55, s.At(5), 1e-9)
		assert.InDelta(t, 0.1+0.9*(1+math.Cos(math.Pi*9/10))/2, s.At(9), 1e-9)
		assert.InDelta(t, 1.0, s.At(10), 1e-9, "restart")
		assert.InDelta(t, s.At(3), s.At(23), 1e-9)
	})

	t.Run("TMult=2", func(t *testing.T) {
		// Periods: [0, 4), [4, 12), [12, 28).
		s := cosineschedule.WarmRestarts{BaseLR: 1, T0: 4, TMult: 2}
		require.NoError(t, s.Validate())
		assert.InDelta(t, 0.5, s.At(2), 1e-9)
		assert.InDelta(t, 1.0, s.At(4), 1e-9)
		assert.InDelta(t, 0.5, s.At(8), 1e-9)
		assert.InDelta(t, 1.0, s.At(12), 1e-9)
		assert.InDelta(t, 0.5, s.At(20), 1e-9)
	})

	t.Run("Step", func(t *testing.T) {
		s := cosineschedule.WarmRestarts{BaseLR: 0.2, T0: 4, TMult: 1}
		opt := optimizers.NewAdam(0.2, 0)
		lr := s.Step(opt, 2)
		assert.InDelta(t, 0.1, lr, 1e-9)
		assert.Equal(t, lr, opt.LearningRate())
	})

	t.Run("Validate", func(t *testing.T) {
		assert.Error(t, cosineschedule.WarmRestarts{BaseLR: 1, T0: 0, TMult: 1}.Validate())
		assert.Error(t, cosineschedule.WarmRestarts{BaseLR: 1, T0: 1, TMult: 0}.Validate())
		assert.Error(t, cosineschedule.WarmRestarts{BaseLR: 1, T0: 1, TMult: 1, EtaMin: 2}.Validate())
	})
}
