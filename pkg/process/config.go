// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package process

import (
	"bytes"
	"os"
	"strings"

	"github.com/nogproject/nog/pkg/canonical"
)

// LoadConfig reads the daemon configuration as a JSON map.  path names a
// JSON file; if it is empty, the NOGD_CONFIG environment variable is used
// instead, which may contain either a file path or inline JSON starting
// with `{`.
func LoadConfig(path string) (map[string]interface{}, error) {
	if path == "" {
		path = os.Getenv("NOGD_CONFIG")
	}
	if path == "" {
		return nil, Error.New("no config; use --config or NOGD_CONFIG")
	}

	var raw []byte
	if strings.HasPrefix(path, "{") {
		raw = []byte(path)
	} else {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	cfg, err := canonical.DecodeMap(bytes.NewReader(raw))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return cfg, nil
}
