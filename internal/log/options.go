/*
Copyright 2025 The Modelwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Format decides how log output is rendered.
type Format string

const (
	FormatJSON    Format = "JSON"
	FormatConsole Format = "Console"
)

var availableFormats = []Format{FormatJSON, FormatConsole}

type Options struct {
	Debug  bool
	Format Format
}

func NewDefaultOptions() Options {
	return Options{
		Debug:  false,
		Format: FormatJSON,
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Debug, "log-debug", o.Debug, "Enables more verbose logging")
	fs.Var(&o.Format, "log-format", fmt.Sprintf("Log format, one of %v", availableFormats))
}

func (o *Options) Validate() error {
	if !o.Format.valid() {
		return fmt.Errorf("invalid log format %q, must be one of %v", o.Format, availableFormats)
	}

	return nil
}

func (f *Format) valid() bool {
	for _, format := range availableFormats {
		if format == *f {
			return true
		}
	}

	return false
}

// String implements pflag.Value.
func (f *Format) String() string {
	return string(*f)
}

// Set implements pflag.Value.
func (f *Format) Set(s string) error {
	next := Format(s)
	if !next.valid() {
		return fmt.Errorf("invalid format %q, must be one of %v", s, availableFormats)
	}

	*f = next

	return nil
}

// Type implements pflag.Value.
func (f *Format) Type() string {
	return "string"
}
