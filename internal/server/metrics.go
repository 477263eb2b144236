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

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelwire_sessions_total",
		Help: "Number of sessions created.",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelwire_messages_total",
		Help: "Number of processed incoming messages by type.",
	}, []string{"type"})

	fragmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelwire_fragments_total",
		Help: "Number of resolved sync fragments by verdict.",
	}, []string{"verdict"})
)
