// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/ddpspoof/pkg/ml/train/logger"
	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/gomlx/ddpspoof/pkg/support/sets"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// ReadArguments returns the flattened arguments of a run ("optim.lr", "epoch", ...), or nil if the run
// didn't log them.
func ReadArguments(run *Run) (map[string]any, error) {
	argsPath := filepath.Join(run.Dir, logger.ArgumentsFile)
	exists, err := fsutil.FileExists(argsPath)
	if err != nil || !exists {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(argsPath), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "reading arguments of run %q", run.Name)
	}
	return k.All(), nil
}

// ArgumentsTable lists the arguments of the runs side by side: the ones that differ are highlighted.
// The run id is omitted, since it's always different.
func ArgumentsTable(runs []*Run) (*TableWithReds, error) {
	allArgs := make([]map[string]any, len(runs))
	keys := sets.Make[string]()
	header := []string{"Argument"}
	for ii, run := range runs {
		args, err := ReadArguments(run)
		if err != nil {
			return nil, err
		}
		allArgs[ii] = args
		for key := range args {
			keys.Insert(key)
		}
		header = append(header, run.Name)
	}
	table := newPlainTable()
	table.Table.Headers(header...)
	for _, key := range sets.Sorted(keys) {
		if key == "run_id" {
			continue
		}
		row := []string{key}
		for _, args := range allArgs {
			value, found := args[key]
			if !found {
				row = append(row, "-")
				continue
			}
			row = append(row, fmt.Sprintf("%v", value))
		}
		table.Row(!isAllEqual(row[1:]), row...)
	}
	return table, nil
}
