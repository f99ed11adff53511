// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/ddpspoof/pkg/support/fsutil"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "optim.lr=0.01;epoch=10;...".
//
// All the keys must already be set in k (e.g. with the defaults): the current values are also used to
// set the type to which the string values will be parsed to. Lists are separated by ",".
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry like "file:settings.txt" reads the settings from the file, with new-lines working as ";" and
// lines starting with "#" considered comments.
//
// It returns the keys set, in order.
func ParseSettings(k *koanf.Koanf, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(k, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(k *koanf.Koanf, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var filePath string
		filePath, err = fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(k, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		return
	}
	key = strings.TrimSpace(key)
	if !k.Exists(key) {
		err = errors.Errorf("can't set %q: unknown configuration key", key)
		return
	}
	current := k.Get(key)
	if _, isMap := current.(map[string]any); isMap {
		err = errors.Errorf("can't set %q: it is a section, set its keys instead (e.g. %q)", key, key+"."+xslices.SortedKeys(current.(map[string]any))[0])
		return
	}
	var value any
	value, err = parseValue(current, valueStr)
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for key %q (current value is %#v)", valueStr, key, current)
		return
	}
	if err = k.Set(key, value); err != nil {
		err = errors.Wrapf(err, "setting %q", key)
		return
	}
	newParamsSet = append(newParamsSet, key)
	return
}

// parseValue parses valueStr to the type of current.
func parseValue(current any, valueStr string) (value any, err error) {
	intStr := strings.ReplaceAll(valueStr, "_", "")
	switch v := current.(type) {
	case time.Duration:
		value, err = time.ParseDuration(valueStr)
	case int:
		err = json.Unmarshal([]byte(intStr), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(intStr), &v)
		value = v
	case uint64:
		err = json.Unmarshal([]byte(intStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case nil, string:
		value = valueStr
	case []string:
		value = splitList(valueStr)
	case []int:
		value = xslices.Map(splitList(valueStr), func(str string) int {
			var asInt int
			if newErr := json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), &asInt); newErr != nil {
				err = newErr
			}
			return asInt
		})
	case []float64:
		value = xslices.Map(splitList(valueStr), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(str), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	case []any:
		// Lists loaded from YAML: numbers are kept as numbers, anything else as strings.
		value = xslices.Map(splitList(valueStr), func(str string) any {
			var asNum float64
			if json.Unmarshal([]byte(str), &asNum) == nil {
				return asNum
			}
			return str
		})
	default:
		err = errors.Errorf("don't know how to parse type %T", current)
	}
	return
}

func splitList(valueStr string) []string {
	if valueStr == "" {
		return []string{}
	}
	return xslices.Map(strings.Split(valueStr, ","), strings.TrimSpace)
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the configuration keys and their default values.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set configuration values. ` +
			`It should be a list of elements "key=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Keys that can be set, with their default values:`,
	}
	if k, err := newKoanf(Default()); err == nil {
		for _, key := range k.Keys() {
			parts = append(parts, fmt.Sprintf("%q: default value is %v", key, k.Get(key)))
		}
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints all the values of the configuration into a string.
func SprintSettings(cfg *RunConfig) string {
	k, err := newKoanf(*cfg)
	if err != nil {
		return err.Error()
	}
	parts := xslices.Map(k.Keys(), func(key string) string {
		value := k.Get(key)
		return fmt.Sprintf("\t%q: (%T) %v", key, value, value)
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints the values of the given keys (e.g. the ones returned by ParseSettings).
func SprintModifiedSettings(cfg *RunConfig, paramsSet []string) string {
	k, err := newKoanf(*cfg)
	if err != nil {
		return err.Error()
	}
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, key := range paramsSet {
		if !k.Exists(key) {
			continue
		}
		value := k.Get(key)
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
