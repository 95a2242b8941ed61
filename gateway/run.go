// Copyright 2025 TokenGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tokengate/middleware/shared/logger"
)

// Prometheus metrics
var (
	promProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_proxy_requests_total",
			Help: "Total number of proxied requests by response status",
		},
		[]string{"status"},
	)
	promProxyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tokengate_proxy_request_duration_milliseconds",
			Help:    "Proxied request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	promBlockedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_blocked_requests_total",
			Help: "Total number of requests denied by policy",
		},
	)
	promTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_tokens_total",
			Help: "Total tokens accounted from upstream responses",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(promProxyRequestsTotal)
	prometheus.MustRegister(promProxyDuration)
	prometheus.MustRegister(promBlockedRequestsTotal)
	prometheus.MustRegister(promTokensTotal)
}

// Run boots the gateway: audit store, chat UI datastore, Redis, config
// plane, drain workers and the HTTP server. It blocks until the server
// exits.
func Run() {
	ctx := context.Background()

	lg := logger.New("gateway")
	syslog := NewSystemLog()
	lg.Attach(syslog)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatalf("Missing required config: DATABASE_URL")
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatalf("Missing required config: REDIS_URL")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to open audit database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to connect to audit database: %v", err)
	}
	store := NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	quota, err := NewQuotaStore(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	configSvc := NewConfigService(store, quota, lg)
	if err := configSvc.Bootstrap(ctx, envSnapshot()); err != nil {
		log.Fatalf("%v", err)
	}
	go configSvc.Subscribe(ctx)

	cfg := configSvc.Runtime()

	// The chat UI database URL is its own config key; bootstrap already
	// refused to start without it. It is a separate database in any real
	// deployment, so no fallback to DATABASE_URL.
	webuiDB, err := sql.Open("postgres", cfg.Get("WEBUI_DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to open chat UI database: %v", err)
	}
	webui := NewWebUIStore(webuiDB)

	caches := NewCaches()
	engine := NewPolicyEngine(store, webui, quota, caches, lg)
	proxy := NewProxyHandler(cfg, store, engine, quota, "", lg)
	admin := NewAdminAPI(cfg, store, webui, engine, quota, caches, configSvc, syslog, lg)

	// Two drain workers per replica; the queues are shared so the pops
	// interleave safely across replicas too.
	for i := 0; i < 2; i++ {
		go NewUsageDrain(quota, store, lg).Run(ctx)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	admin.Register(router)
	router.PathPrefix("/v1/").Handler(proxy)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	port := getEnv("PORT", "8080")
	lg.Info("Gateway listening", map[string]interface{}{"port": port})
	if err := http.ListenAndServe(":"+port, corsHandler.Handler(router)); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// envSnapshot captures the recognized config keys from the boot
// environment for seeding
func envSnapshot() map[string]string {
	env := make(map[string]string, len(recognizedConfigKeys))
	for _, key := range recognizedConfigKeys {
		env[key] = strings.TrimSpace(os.Getenv(key))
	}
	return env
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
