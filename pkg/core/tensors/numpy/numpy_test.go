// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	wave := tensors.FromFlat([]float32{0.5, -0.25, 1, 0, 0.125, -1}, 2, 3)
	path := filepath.Join(t.TempDir(), "utt.npy")
	require.NoError(t, ToNpyFile(wave, path))
	got, err := FromNpyFile(path)
	require.NoError(t, err)
	assert.True(t, wave.Equal(got), "got %s", got)
}

// npyBytes builds a .npy v1.0 file with the given header dictionary and raw data.
func npyBytes(header string, data any) []byte {
	for (10+len(header)+1)%16 != 0 {
		header += " "
	}
	header += "\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	_ = binary.Write(&buf, binary.LittleEndian, data)
	return buf.Bytes()
}

func TestDTypes(t *testing.T) {
	got, err := FromNpyReader(bytes.NewReader(npyBytes(
		"{'descr': '<i2', 'fortran_order': False, 'shape': (3,), }", []int16{16384, -32768, 0})))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 0}, got.Data())

	got, err = FromNpyReader(bytes.NewReader(npyBytes(
		"{'descr': '<f8', 'fortran_order': False, 'shape': (2,), }", []float64{1.5, -2})))
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, got.Data())

	_, err = FromNpyReader(bytes.NewReader(npyBytes(
		"{'descr': '>f4', 'fortran_order': False, 'shape': (1,), }", []float32{1})))
	require.Error(t, err)
}

func TestFortranOrder(t *testing.T) {
	// Column-major [[1, 2, 3], [4, 5, 6]].
	got, err := FromNpyReader(bytes.NewReader(npyBytes(
		"{'descr': '<f4', 'fortran_order': True, 'shape': (2, 3), }", []float32{1, 4, 2, 5, 3, 6})))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Data())
}
