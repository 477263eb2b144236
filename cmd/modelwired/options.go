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

package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/modelwire/modelwire/internal/crypto"
	"github.com/modelwire/modelwire/internal/log"
)

// scopeSpec is one --scope flag value in "name=RootClass" form.
type scopeSpec struct {
	Name      string
	RootClass string
}

type Options struct {
	// ListenAddr is where the websocket endpoint is served.
	ListenAddr string

	// MetricsAddr is where /metrics is served; empty disables metrics.
	MetricsAddr string

	// ScopeStrings declares the scopes this authority serves, each as
	// "name=RootClass".
	ScopeStrings []string
	Scopes       []scopeSpec

	// SessionSecret is the passphrase stretched into the token signing key.
	// A random key is generated when left empty.
	SessionSecret string
	SigningKey    []byte

	// SessionTokenTTL bounds how long minted session tokens stay valid.
	SessionTokenTTL time.Duration

	// DatabasePath enables the sqlite persist backend; empty keeps all scope
	// state in memory.
	DatabasePath string

	// DenyByDefault flips the global default write concern from accept to
	// deny.
	DenyByDefault bool

	LogOptions log.Options
}

func NewOptions() *Options {
	return &Options{
		ListenAddr:      ":7854",
		MetricsAddr:     "127.0.0.1:7855",
		SessionTokenTTL: 24 * time.Hour,
		LogOptions:      log.NewDefaultOptions(),
	}
}

func (o *Options) AddFlags(flags *pflag.FlagSet) {
	o.LogOptions.AddFlags(flags)

	flags.StringVar(&o.ListenAddr, "listen-address", o.ListenAddr, "address the websocket endpoint listens on")
	flags.StringVar(&o.MetricsAddr, "metrics-listen-address", o.MetricsAddr, "The address on which /metrics is served (leave empty to disable).")
	flags.StringSliceVar(&o.ScopeStrings, "scope", o.ScopeStrings, "scope to serve, as name=RootClass (repeatable)")
	flags.StringVar(&o.SessionSecret, "session-secret", o.SessionSecret, "passphrase used to sign session tokens, auto-generated when empty")
	flags.DurationVar(&o.SessionTokenTTL, "session-token-ttl", o.SessionTokenTTL, "validity of minted session tokens")
	flags.StringVar(&o.DatabasePath, "database", o.DatabasePath, "sqlite database file for scope persistence (in-memory when empty)")
	flags.BoolVar(&o.DenyByDefault, "deny-by-default", o.DenyByDefault, "deny fragments that no write concern claims")
}

func (o *Options) Validate() error {
	errs := []error{}

	if err := o.LogOptions.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(o.ListenAddr) == 0 {
		errs = append(errs, errors.New("--listen-address is required"))
	}

	if len(o.ScopeStrings) == 0 {
		errs = append(errs, errors.New("at least one --scope is required"))
	}

	for _, spec := range o.ScopeStrings {
		if _, err := parseScopeSpec(spec); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (o *Options) Complete() error {
	for _, spec := range o.ScopeStrings {
		parsed, err := parseScopeSpec(spec)
		if err != nil {
			return err
		}
		o.Scopes = append(o.Scopes, parsed)
	}

	if len(o.SessionSecret) == 0 {
		random := make([]byte, 32)
		if _, err := rand.Read(random); err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		o.SigningKey = random
	} else {
		o.SigningKey = []byte(crypto.Hash(o.SessionSecret))
	}

	return nil
}

func parseScopeSpec(spec string) (scopeSpec, error) {
	name, rootClass, found := strings.Cut(spec, "=")
	if !found || name == "" || rootClass == "" {
		return scopeSpec{}, fmt.Errorf("invalid --scope %q, expected name=RootClass", spec)
	}

	return scopeSpec{Name: name, RootClass: rootClass}, nil
}
