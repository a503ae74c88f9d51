// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/mediavault/errors"
)

type listFlag struct {
	defaultValue string
	values       *[]string
	needEqual    bool
}

func (l *listFlag) String() string { return l.defaultValue }

func (l *listFlag) Set(value string) error {
	if l.needEqual && !strings.Contains(value, "=") {
		return fmt.Errorf("invalid flag value %s: missing '='", value)
	}
	*l.values = append(*l.values, value)
	return nil
}

// Flags holds the configuration flags registered by RegisterFlags.
type Flags struct {
	defaultPath string
	paths       []string
	params      []string
	dump        bool
}

// RegisterFlags registers configuration flags on fs, with names
// prefixed by prefix:
//
//	-config path
//		Overlays the YAML document at path. This flag may be repeated,
//		loading each document in turn. If no -config flag is given, the
//		default path is loaded if it exists.
//
//	-set key=value
//		Sets the value at a dotted key path; see Config.Set. This flag
//		may be repeated.
//
//	-configdump
//		Writes the resulting configuration to standard error and exits.
func RegisterFlags(fs *flag.FlagSet, prefix, defaultPath string) *Flags {
	f := &Flags{defaultPath: defaultPath}
	fs.Var(&listFlag{defaultPath, &f.paths, false}, prefix+"config", "overlay the configuration at the provided path; may be repeated")
	fs.Var(&listFlag{"", &f.params, true}, prefix+"set", "set a configuration parameter; may be repeated")
	fs.BoolVar(&f.dump, prefix+"configdump", false, "dump the configuration to stderr and exit")
	return f
}

// Process builds the configuration described by the parsed flags and
// validates it.
func (f *Flags) Process() (*Config, error) {
	c := Default()
	paths := f.paths
	if len(paths) == 0 && f.defaultPath != "" {
		if _, err := os.Stat(f.defaultPath); err == nil {
			paths = []string{f.defaultPath}
		}
	}
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("config: read %s", path), err)
		}
		if err := c.Parse(b); err != nil {
			return nil, errors.E(path, err)
		}
	}
	for _, param := range f.params {
		key, value, _ := strings.Cut(param, "=")
		if err := c.Set(key, value); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if f.dump {
		b, err := c.Marshal()
		if err != nil {
			return nil, err
		}
		os.Stderr.Write(b)
		os.Exit(1)
	}
	return c, nil
}
