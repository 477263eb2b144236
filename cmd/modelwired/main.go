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
	"fmt"
	golog "log"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	modelwirelog "github.com/modelwire/modelwire/internal/log"
	"github.com/modelwire/modelwire/internal/persist"
	"github.com/modelwire/modelwire/internal/server"
	"github.com/modelwire/modelwire/internal/version"
)

func main() {
	opts := NewOptions()

	rootCmd := &cobra.Command{
		Use:           "modelwired",
		Short:         "Serves model scopes to modelwire client sessions",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("invalid command line: %w", err)
			}

			logger := modelwirelog.NewFromOptions(opts.LogOptions)

			if err := opts.Complete(); err != nil {
				logger.With(zap.Error(err)).Fatal("Invalid command line")
			}

			return run(logger.Sugar(), opts)
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version.NewAppVersion()
			fmt.Printf("modelwired %s (%s)\n", v.GitVersion, v.GitHead)
		},
	})

	opts.AddFlags(rootCmd.PersistentFlags())

	if err := rootCmd.Execute(); err != nil {
		golog.Fatalf("modelwired has encountered an error: %v", err)
	}
}

func run(log *zap.SugaredLogger, opts *Options) error {
	v := version.NewAppVersion()
	log.With(
		"version", v.GitVersion,
		"listen", opts.ListenAddr,
	).Info("Starting modelwired…")

	concerns := server.NewConcernRegistry(log, !opts.DenyByDefault)
	tokens := server.NewTokenIssuer(opts.SigningKey, opts.SessionTokenTTL)
	srv := server.New(log, tokens, concerns)

	for _, spec := range opts.Scopes {
		store, err := buildPersistStore(opts, spec.Name)
		if err != nil {
			return fmt.Errorf("failed to set up scope %q: %w", spec.Name, err)
		}

		scopeStore := server.NewScopeStore(spec.Name, store)
		if err := scopeStore.SetRoot(uuid.NewString(), spec.RootClass, nil); err != nil {
			return fmt.Errorf("failed to initialize scope %q: %w", spec.Name, err)
		}

		srv.AddScope(scopeStore)
		log.Infow("Serving scope", "scope", spec.Name, "root", spec.RootClass)
	}

	if opts.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())

			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				log.Errorw("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	return http.ListenAndServe(opts.ListenAddr, srv.Handler())
}

func buildPersistStore(opts *Options, scopeName string) (persist.Store, error) {
	if opts.DatabasePath == "" {
		return persist.NewMemoryStore(), nil
	}

	return persist.OpenSQLite(opts.DatabasePath, scopeName)
}
