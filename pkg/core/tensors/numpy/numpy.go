// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes waveforms in Python's NumPy .npy file format.
//
// Audio corpora store one utterance per .npy file, as float32, float64 or int16 PCM samples.
// All are converted to float32 tensors; int16 samples are scaled to [-1, 1).
package numpy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FromNpyFile reads a .npy file and returns a float32 tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	t, err := FromNpyReader(file)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return t, nil
}

// FromNpyReader reads a .npy file from an io.Reader and returns a float32 tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != "\x93NUMPY" {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}

	var headerLen uint32
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes)
		if headerLen > 1<<20 {
			return nil, errors.Errorf("header length %d too large", headerLen)
		}
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}

	// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse .npy header")
	}
	var elemSize int
	switch descr {
	case "<f4", "=f4":
		elemSize = 4
	case "<f8", "=f8":
		elemSize = 8
	case "<i2", "=i2":
		elemSize = 2
	default:
		return nil, errors.Errorf("unsupported .npy dtype %q, only little-endian f4, f8 and i2 are supported", descr)
	}

	t := tensors.FromShape(dims...)
	raw := make([]byte, t.Size()*elemSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(raw))
	}
	if fortranOrder && len(dims) > 1 {
		cData := make([]byte, len(raw))
		if err := FortranToCLayout(elemSize, dims, raw, cData); err != nil {
			return nil, err
		}
		raw = cData
	}

	data := t.Data()
	for ii := range data {
		chunk := raw[ii*elemSize : (ii+1)*elemSize]
		switch elemSize {
		case 4:
			data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case 8:
			data[ii] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		case 2:
			data[ii] = float32(int16(binary.LittleEndian.Uint16(chunk))) / 32768
		}
	}
	return t, nil
}

// FortranToCLayout converts column-major data to row-major, for elements of dtypeSize bytes.
func FortranToCLayout(dtypeSize int, dims []int, fortranData []byte, cData []byte) error {
	if dtypeSize <= 0 {
		return errors.Errorf("dtypeSize must be positive, got %d", dtypeSize)
	}
	totalElements := 1
	for _, d := range dims {
		totalElements *= d
	}
	expectedBytes := totalElements * dtypeSize
	if len(fortranData) != expectedBytes || len(cData) != expectedBytes {
		return errors.Errorf("buffers have incorrect size: got %d and %d bytes, want %d",
			len(fortranData), len(cData), expectedBytes)
	}
	coordinates := make([]int, len(dims))
	for cIndex := 0; cIndex < totalElements; cIndex++ {
		tempIndex := cIndex
		for i := len(dims) - 1; i >= 0; i-- {
			coordinates[i] = tempIndex % dims[i]
			tempIndex /= dims[i]
		}
		fortranIndex, multiplier := 0, 1
		for i := range dims {
			fortranIndex += coordinates[i] * multiplier
			multiplier *= dims[i]
		}
		src := fortranIndex * dtypeSize
		dst := cIndex * dtypeSize
		copy(cData[dst:dst+dtypeSize], fortranData[src:src+dtypeSize])
	}
	return nil
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string.
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	descr = mDescr[1]
	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"
	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	dims = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		val, pErr := strconv.Atoi(p)
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		dims = append(dims, val)
	}
	return
}

// ToNpyWriter writes t as a little-endian float32 .npy (version 1.0).
func ToNpyWriter(t *tensors.Tensor, w io.Writer) error {
	dims := t.Shape()
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		parts := make([]string, len(dims))
		for i, dim := range dims {
			parts[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(parts, ", "))
	}
	var headerBuf bytes.Buffer
	fmt.Fprintf(&headerBuf, "{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeTuple)
	// Magic (6) + version (2) + header length (2) + header must be a multiple of 16.
	for (10+headerBuf.Len()+1)%16 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(headerBuf.Len()))
	buf.Write(headerBuf.Bytes())
	_ = binary.Write(&buf, binary.LittleEndian, t.Data())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy data")
	}
	return nil
}

// ToNpyFile writes t to filePath as a float32 .npy file.
func ToNpyFile(t *tensors.Tensor, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = ToNpyWriter(t, f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
