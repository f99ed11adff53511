// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements the checkpoint artifacts: one file per model component and epoch,
// named "check_point_<tag>_<component>_<epoch>.ckpt".
//
// Artifacts are never overwritten: saving a component for an epoch that was already saved returns
// an error wrapping ErrArtifactExists. Later epochs supersede earlier ones when loading a directory.
//
// Example: the coordinator saves all components on an improving epoch, and any rank loads them back:
//
//	handler, err := checkpoints.New(dir, checkpoints.DefaultTag)
//	...
//	_, err = handler.SaveAll(epoch, pipeline.CopyState())
//	...
//	state, err := checkpoints.LoadDir(dir)
//	...
//	err = pipeline.LoadState(state)
//
// File format: the magic string "ddpspoof_checkpoint", followed by a gzip stream with the JSON
// Header length (uint64 little-endian), the JSON Header, and the tensors values in little-endian
// float32 (or float16, see Handler.HalfPrecision) in the order of Header.Tensors.
package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/ml/model"
	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrArtifactExists is returned when saving an artifact that already exists.
var ErrArtifactExists = errors.New("checkpoint artifact already exists")

const (
	// NamePrefix of all artifact files.
	NamePrefix = "check_point_"

	// FileSuffix of all artifact files.
	FileSuffix = ".ckpt"

	// DefaultTag qualifies the artifacts of the deepfake (DF) track.
	DefaultTag = "DF"

	magic = "ddpspoof_checkpoint"

	// maxHeaderLen protects against corrupted files.
	maxHeaderLen = 64 << 20
)

// DType of the values stored in an artifact.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

func (dt DType) size() int {
	if dt == Float16 {
		return 2
	}
	return 4
}

// TensorInfo describes one stored tensor.
type TensorInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Header of an artifact.
type Header struct {
	Component string       `json:"component"`
	Tag       string       `json:"tag"`
	Epoch     int          `json:"epoch"`
	DType     DType        `json:"dtype"`
	Tensors   []TensorInfo `json:"tensors"`
}

// NumValues returns the total number of values stored.
func (h *Header) NumValues() int {
	var n int
	for _, t := range h.Tensors {
		size := 1
		for _, dim := range t.Shape {
			size *= dim
		}
		n += size
	}
	return n
}

// Handler saves artifacts to a directory.
type Handler struct {
	// Dir where artifacts are saved.
	Dir string

	// Tag qualifies the artifacts names, e.g. DefaultTag.
	Tag string

	// HalfPrecision stores values as float16, halving the size of the artifacts.
	HalfPrecision bool
}

// New creates a Handler for dir (created if it doesn't exist yet). A "~" prefix is expanded to the home directory.
func New(dir, tag string) (*Handler, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if tag == "" || strings.Contains(tag, "_") {
		return nil, errors.Errorf("invalid checkpoint tag %q: it must be non-empty and have no underscores", tag)
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoints directory %q", dir)
	}
	return &Handler{Dir: dir, Tag: tag}, nil
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q, tag=%s)", h.Dir, h.Tag)
}

// ArtifactName returns the file name (without the directory) of an artifact.
func ArtifactName(tag, component string, epoch int) string {
	return fmt.Sprintf("%s%s_%s_%d%s", NamePrefix, tag, component, epoch, FileSuffix)
}

// Path returns the path of the artifact of the component at the given epoch.
func (h *Handler) Path(component string, epoch int) string {
	return filepath.Join(h.Dir, ArtifactName(h.Tag, component, epoch))
}

// Save writes the artifact of the component for the given epoch, and returns its path.
// It returns an error wrapping ErrArtifactExists if it was already saved.
func (h *Handler) Save(component string, epoch int, sd model.StateDict) (string, error) {
	header := &Header{Component: component, Tag: h.Tag, Epoch: epoch, DType: Float32}
	if h.HalfPrecision {
		header.DType = Float16
	}
	filePath := h.Path(component, epoch)
	err := fsutil.WriteExclusive(filePath, 0o644, func(w io.Writer) error {
		return Write(w, header, sd)
	})
	if err != nil {
		if errors.Is(err, fsutil.ErrExists) {
			return "", errors.Wrapf(ErrArtifactExists, "component %q epoch %d (%s)", component, epoch, filePath)
		}
		return "", err
	}
	klog.V(1).Infof("saved checkpoint %q (%d values)", filePath, sd.NumValues())
	return filePath, nil
}

// SaveAll saves one artifact per component of state, in sorted component order, and returns their paths.
// If any artifact of the epoch already exists, nothing is written.
func (h *Handler) SaveAll(epoch int, state model.State) ([]string, error) {
	components := xslices.SortedKeys(state)
	for _, component := range components {
		exists, err := fsutil.FileExists(h.Path(component, epoch))
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errors.Wrapf(ErrArtifactExists, "component %q epoch %d", component, epoch)
		}
	}
	paths := make([]string, 0, len(components))
	for _, component := range components {
		filePath, err := h.Save(component, epoch, state[component])
		if err != nil {
			return paths, err
		}
		paths = append(paths, filePath)
	}
	return paths, nil
}

// Write an artifact with the given header to w. The header Tensors are filled from sd, in sorted name order.
func Write(w io.Writer, header *Header, sd model.StateDict) error {
	if header.DType == "" {
		header.DType = Float32
	}
	if header.DType != Float32 && header.DType != Float16 {
		return errors.Errorf("unsupported checkpoint dtype %q", header.DType)
	}
	names := xslices.SortedKeys(sd)
	header.Tensors = make([]TensorInfo, len(names))
	for ii, name := range names {
		header.Tensors[ii] = TensorInfo{Name: name, Shape: sd[name].Shape()}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "encoding checkpoint header")
	}

	if _, err = io.WriteString(w, magic); err != nil {
		return errors.Wrapf(err, "writing checkpoint")
	}
	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)
	if err = binary.Write(bw, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrapf(err, "writing checkpoint header")
	}
	if _, err = bw.Write(headerJSON); err != nil {
		return errors.Wrapf(err, "writing checkpoint header")
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range sd[name].Data() {
			if header.DType == Float16 {
				binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
				_, err = bw.Write(buf[:2])
			} else {
				binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
				_, err = bw.Write(buf)
			}
			if err != nil {
				return errors.Wrapf(err, "writing tensor %q", name)
			}
		}
	}
	if err = bw.Flush(); err != nil {
		return errors.Wrapf(err, "writing checkpoint")
	}
	return errors.Wrapf(zw.Close(), "closing checkpoint gzip stream")
}

// readHeader reads the magic string and the header, and returns the reader positioned at the tensor values.
func readHeader(r io.Reader) (*Header, io.Reader, error) {
	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, errors.Wrapf(err, "reading checkpoint magic string")
	}
	if string(buf) != magic {
		return nil, nil, errors.New("not a checkpoint artifact: magic string mismatch")
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading checkpoint gzip stream")
	}
	br := bufio.NewReader(zr)
	var headerLen uint64
	if err = binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, errors.Wrapf(err, "reading checkpoint header length")
	}
	if headerLen > maxHeaderLen {
		return nil, nil, errors.Errorf("checkpoint header length %d too large", headerLen)
	}
	headerJSON := make([]byte, headerLen)
	if _, err = io.ReadFull(br, headerJSON); err != nil {
		return nil, nil, errors.Wrapf(err, "reading checkpoint header")
	}
	header := &Header{}
	if err = json.Unmarshal(headerJSON, header); err != nil {
		return nil, nil, errors.Wrapf(err, "decoding checkpoint header")
	}
	if header.DType != Float32 && header.DType != Float16 {
		return nil, nil, errors.Errorf("unsupported checkpoint dtype %q", header.DType)
	}
	return header, br, nil
}

// Read an artifact from r.
func Read(r io.Reader) (*Header, model.StateDict, error) {
	header, br, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	sd := make(model.StateDict, len(header.Tensors))
	elemSize := header.DType.size()
	for _, info := range header.Tensors {
		t := tensors.FromShape(info.Shape...)
		raw := make([]byte, t.Size()*elemSize)
		if _, err = io.ReadFull(br, raw); err != nil {
			return nil, nil, errors.Wrapf(err, "reading values of tensor %q", info.Name)
		}
		data := t.Data()
		for ii := range data {
			if elemSize == 2 {
				data[ii] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*ii:])).Float32()
			} else {
				data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
			}
		}
		sd[info.Name] = t
	}
	return header, sd, nil
}

// ReadFile reads the artifact in filePath.
func ReadFile(filePath string) (*Header, model.StateDict, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening checkpoint")
	}
	defer func() { _ = f.Close() }()
	header, sd, err := Read(f)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "checkpoint %q", filePath)
	}
	return header, sd, nil
}

// ReadHeaderFile reads only the header of the artifact in filePath.
func ReadHeaderFile(filePath string) (*Header, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint")
	}
	defer func() { _ = f.Close() }()
	header, _, err := readHeader(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", filePath)
	}
	return header, nil
}

// Artifact describes a checkpoint file found in a directory.
type Artifact struct {
	Path string

	// Tag, Component and Epoch are parsed from the file name. Files not following the artifact naming
	// have an empty Tag, an Epoch of -1, and their name stem as Component.
	Tag, Component string
	Epoch          int

	// Size of the file in bytes.
	Size int64
}

var artifactNameRegex = regexp.MustCompile(`^check_point_([^_]+)_(.+)_(\d+)$`)

// parseStem parses the artifact file name without the FileSuffix.
func parseStem(stem string) (tag, component string, epoch int) {
	matches := artifactNameRegex.FindStringSubmatch(stem)
	if matches == nil {
		return "", stem, -1
	}
	epoch, err := strconv.Atoi(matches[3])
	if err != nil {
		return "", stem, -1
	}
	return matches[1], matches[2], epoch
}

// List returns the artifacts (files with FileSuffix) in dir, sorted by epoch, tag and component.
func List(dir string) ([]Artifact, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
		}
		tag, component, epoch := parseStem(strings.TrimSuffix(entry.Name(), FileSuffix))
		artifacts = append(artifacts, Artifact{
			Path:      filepath.Join(dir, entry.Name()),
			Tag:       tag,
			Component: component,
			Epoch:     epoch,
			Size:      info.Size(),
		})
	}
	slices.SortFunc(artifacts, func(a, b Artifact) int {
		if a.Epoch != b.Epoch {
			return a.Epoch - b.Epoch
		}
		if c := strings.Compare(a.Tag, b.Tag); c != 0 {
			return c
		}
		return strings.Compare(a.Component, b.Component)
	})
	return artifacts, nil
}

// LoadDir loads the artifacts in dir into a model.State keyed by component. For components saved
// at several epochs, the latest epoch wins.
func LoadDir(dir string) (model.State, error) {
	artifacts, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, errors.Errorf("no checkpoint artifacts (%s files) in %q", FileSuffix, dir)
	}
	latest := make(map[string]Artifact)
	for _, a := range artifacts {
		// Sorted by epoch, so later ones replace earlier ones.
		latest[a.Component] = a
	}
	state := make(model.State, len(latest))
	for _, component := range xslices.SortedKeys(latest) {
		a := latest[component]
		_, sd, err := ReadFile(a.Path)
		if err != nil {
			return nil, err
		}
		state[component] = sd
		klog.V(1).Infof("loaded component %q from %q", component, a.Path)
	}
	return state, nil
}
