// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"strings"
	"testing"
	"time"

	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567*time.Microsecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

func TestReportEval(t *testing.T) {
	var sb strings.Builder
	err := ReportEval(&sb, "Results", map[string]metrics.Result{
		"dev":  {EERRepo: 0.0123, EER: 0.0124, MinDCF: 0.25, CLLR: 0.5, NumTarget: 2548, NumNonTarget: 22296},
		"DF21": metrics.NaNResult(0, 10),
	})
	require.NoError(t, err)
	out := sb.String()
	assert.Contains(t, out, "Results")
	assert.Contains(t, out, "1.2300%")
	assert.Contains(t, out, "22,296")
	assert.Less(t, strings.Index(out, "DF21"), strings.Index(out, "dev"), "splits are sorted by name")
}
