// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(offset float32) model.State {
	return model.State{
		"frontend": model.StateDict{
			"tap_0/weights": tensors.FromFlat([]float32{1 + offset, 2, 3, 4, 5, 6}, 3, 2),
			"tap_0/biases":  tensors.FromFlat([]float32{0.5, -0.25}),
		},
		"backend_0":     model.StateDict{"weights": tensors.FromFlat([]float32{offset}, 1, 1)},
		"preprocessing": model.StateDict{},
	}
}

func TestRoundTrip(t *testing.T) {
	sd := testState(0)["frontend"]
	for _, dtype := range []DType{Float32, Float16} {
		t.Run(string(dtype), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, &Header{Component: "frontend", Tag: DefaultTag, Epoch: 3, DType: dtype}, sd))
			header, got, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, "frontend", header.Component)
			assert.Equal(t, 3, header.Epoch)
			assert.Equal(t, 8, header.NumValues())
			require.Len(t, got, 2)
			// All test values are exactly representable in float16.
			for name, want := range sd {
				assert.True(t, want.Equal(got[name]), "tensor %q: got %s, want %s", name, got[name], want)
			}
		})
	}

	_, _, err := Read(bytes.NewReader([]byte("not a checkpoint at all")))
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	h, err := New(dir, DefaultTag)
	require.NoError(t, err)
	_, err = New(dir, "bad_tag")
	require.Error(t, err)

	paths, err := h.SaveAll(5, testState(0))
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "check_point_DF_backend_0_5.ckpt"), paths[0])

	// Artifacts are never overwritten.
	_, err = h.Save("backend_0", 5, testState(1)["backend_0"])
	require.ErrorIs(t, err, ErrArtifactExists)
	_, err = h.SaveAll(5, testState(1))
	require.ErrorIs(t, err, ErrArtifactExists)

	h.HalfPrecision = true
	_, err = h.SaveAll(12, testState(1))
	require.NoError(t, err)

	artifacts, err := List(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 6)
	assert.Equal(t, "backend_0", artifacts[0].Component)
	assert.Equal(t, 5, artifacts[0].Epoch)
	assert.Equal(t, DefaultTag, artifacts[0].Tag)
	assert.Equal(t, 12, artifacts[5].Epoch)

	header, err := ReadHeaderFile(artifacts[5].Path)
	require.NoError(t, err)
	assert.Equal(t, Float16, header.DType)

	// Latest epoch wins.
	state, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, state, 3)
	assert.Equal(t, []float32{1}, state["backend_0"]["weights"].Data())
	assert.Equal(t, float32(2), state["frontend"]["tap_0/weights"].Data()[0])
}

func TestLoadDirStems(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Header{Component: "whatever"}, testState(2)["backend_0"]))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backend_0.ckpt"), buf.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0o644))

	state, err := LoadDir(dir)
	require.NoError(t, err)
	require.Contains(t, state, "backend_0")
	assert.Equal(t, []float32{2}, state["backend_0"]["weights"].Data())

	_, err = LoadDir(t.TempDir())
	assert.Error(t, err)
}
