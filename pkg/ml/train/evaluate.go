// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/gomlx/ddpspoof/pkg/ml/datasets"
	"github.com/gomlx/ddpspoof/pkg/ml/ddp"
	"github.com/gomlx/ddpspoof/pkg/ml/train/metrics"
	"github.com/gomlx/ddpspoof/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Metrics metrics.Result

	// Records scored. On the coordinator of a distributed evaluation, these are the records of all
	// ranks in rank order; otherwise the records of this rank.
	Records []metrics.ScoreRecord
}

// Score returns the records of all examples yielded by loader, for its current epoch.
// It is not a collective.
func Score(m *ddp.Model, loader *datasets.Loader) ([]metrics.ScoreRecord, error) {
	loader.Reset()
	var records []metrics.ScoreRecord
	for {
		batch, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			loader.Close()
			return nil, errors.WithMessagef(err, "failed reading from %q", loader.Name())
		}
		scores, err := m.Score(batch)
		if err != nil {
			loader.Close()
			return nil, errors.WithMessagef(err, "scoring batch %d of %q", batch.Index, loader.Name())
		}
		for ii, score := range scores {
			records = append(records, metrics.ScoreRecord{
				Filename: batch.Filenames[ii],
				Score:    score,
				Label:    batch.Labels[ii],
			})
		}
	}
	return records, nil
}

// Evaluate scores the examples of loader and computes the metrics.
//
// If runOnDDP is true, it's a collective: loader must yield the shard of the rank, the records of all
// ranks are gathered on the coordinator (always, even if a shard is empty), which computes the metrics
// and broadcasts them, so every rank returns the same metrics.
//
// If runOnDDP is false, no collectives are issued: the loader should cover the whole split, and the
// metrics are computed locally.
//
// If the records don't have both classes, the metrics are NaN and a warning is logged.
func Evaluate(ctx context.Context, m *ddp.Model, loader *datasets.Loader, runOnDDP bool) (*EvalResult, error) {
	pg := m.ProcessGroup()
	records, err := Score(m, loader)
	if err != nil {
		if runOnDDP {
			pg.Abort(err)
		}
		return nil, errors.WithMessagef(err, "[%s] evaluating", pg)
	}
	if !runOnDDP {
		result := &EvalResult{Records: records}
		result.Metrics = computeMetrics(loader.Name(), records)
		return result, nil
	}

	payload, err := json.Marshal(records)
	if err != nil {
		pg.Abort(err)
		return nil, errors.Wrapf(err, "[%s] encoding %d score records", pg, len(records))
	}
	parts, err := pg.Gather(ctx, payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "[%s] gathering score records of %q", pg, loader.Name())
	}
	result := &EvalResult{Records: records}
	var encoded []byte
	if pg.IsCoordinator() {
		if result.Records, err = mergeRecords(parts); err != nil {
			err = errors.WithMessagef(err, "gathering records of %q", loader.Name())
			pg.Abort(err)
			return nil, err
		}
		result.Metrics = computeMetrics(loader.Name(), result.Records)
		encoded = encodeResult(result.Metrics)
	}
	if encoded, err = pg.Broadcast(ctx, encoded); err != nil {
		return nil, errors.WithMessagef(err, "[%s] broadcasting metrics of %q", pg, loader.Name())
	}
	if !pg.IsCoordinator() {
		if result.Metrics, err = decodeResult(encoded); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// mergeRecords concatenates the gathered records in rank order. Filenames must be unique.
func mergeRecords(parts [][]byte) ([]metrics.ScoreRecord, error) {
	var all []metrics.ScoreRecord
	for rank, part := range parts {
		var records []metrics.ScoreRecord
		if err := json.Unmarshal(part, &records); err != nil {
			return nil, errors.Wrapf(err, "decoding records of rank %d", rank)
		}
		all = append(all, records...)
	}
	seen := sets.Make[string](len(all))
	for _, r := range all {
		if !seen.InsertNew(r.Filename) {
			return nil, errors.Errorf("duplicate record for %q", r.Filename)
		}
	}
	return all, nil
}

func computeMetrics(name string, records []metrics.ScoreRecord) metrics.Result {
	result, err := metrics.Compute(records)
	if err != nil {
		klog.Warningf("metrics of %q: %v", name, err)
		return result
	}
	metrics.CrossCheck(result, metrics.DefaultCrossCheckTolerance)
	return result
}

// resultLen is the number of float64 values of an encoded metrics.Result.
const resultLen = 6

// encodeResult encodes the metrics as little-endian float64 values, preserving NaNs.
func encodeResult(r metrics.Result) []byte {
	values := [resultLen]float64{r.EERRepo, r.EER, r.MinDCF, r.CLLR, float64(r.NumTarget), float64(r.NumNonTarget)}
	buf := make([]byte, 8*resultLen)
	for ii, v := range values {
		binary.LittleEndian.PutUint64(buf[8*ii:], math.Float64bits(v))
	}
	return buf
}

func decodeResult(buf []byte) (metrics.Result, error) {
	if len(buf) != 8*resultLen {
		return metrics.Result{}, errors.Errorf("encoded metrics have %d bytes, expected %d", len(buf), 8*resultLen)
	}
	var values [resultLen]float64
	for ii := range values {
		values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*ii:]))
	}
	return metrics.Result{
		EERRepo:      values[0],
		EER:          values[1],
		MinDCF:       values[2],
		CLLR:         values[3],
		NumTarget:    int(values[4]),
		NumNonTarget: int(values[5]),
	}, nil
}
