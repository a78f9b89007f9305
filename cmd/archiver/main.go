// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
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

// Command archiver runs a single-partition cloud archiver: it wires an
// object store client, a term source, and a synthetic local log together
// through archival.Archiver and serves a Prometheus /metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/kafscale/pkg/archival"
	"github.com/novatechflow/kafscale/pkg/leaderterm"
	"github.com/novatechflow/kafscale/pkg/objstore"
	"github.com/novatechflow/kafscale/pkg/probe"
)

const defaultMetricsAddr = ":19195"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	identity := buildIdentity()

	store := buildObjectStore(ctx, logger)
	terms := buildTermSource(ctx, logger, identity)

	registry := prometheus.NewRegistry()
	prb := probe.NewProbe(registry, probe.Labels{Namespace: identity.Namespace, Topic: identity.Topic, Partition: identity.Partition})

	local := newDemoLocalLog(parseEnvInt64("KAFSCALE_ARCHIVER_SEGMENT_BYTES", 1<<20))
	go local.grow(ctx, envDuration("KAFSCALE_ARCHIVER_GROWTH_INTERVAL", 3*time.Second))

	mode := archival.ModeProducer
	if strings.EqualFold(os.Getenv("KAFSCALE_ARCHIVER_MODE"), "read_replica") {
		mode = archival.ModeReadReplica
	}

	a := archival.NewArchiver(archival.ArchiverConfig{
		Identity:           identity,
		Mode:               mode,
		Local:              local,
		Store:              store,
		Terms:              terms,
		LSO:                local.LSO,
		Policy:             archival.PolicyConfig{TargetSegmentSizeBytes: parseEnvInt64("KAFSCALE_ARCHIVER_TARGET_SEGMENT_BYTES", 8<<20)},
		Scheduler:          archival.SchedulerConfig{Concurrency: parseEnvInt("KAFSCALE_ARCHIVER_CONCURRENCY", 4)},
		Housekeeping:       archival.HousekeepingConfig{Retention: archival.RetentionConfig{MaxTotalBytes: parseEnvInt64("KAFSCALE_ARCHIVER_RETENTION_BYTES", 0)}},
		UploadLoopInterval: envDuration("KAFSCALE_ARCHIVER_UPLOAD_INTERVAL", time.Second),
		Probe:              prb,
		Logger:             logger,
	}, newSelfReplicator())

	startMetricsServer(ctx, envOrDefault("KAFSCALE_ARCHIVER_METRICS_ADDR", defaultMetricsAddr), registry, a, logger)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("archiver stopped with error", "error", err)
		os.Exit(1)
	}
}

func buildIdentity() archival.PartitionIdentity {
	return archival.PartitionIdentity{
		Namespace:       envOrDefault("KAFSCALE_ARCHIVER_NAMESPACE", "default"),
		Topic:           envOrDefault("KAFSCALE_ARCHIVER_TOPIC", "orders"),
		Partition:       int32(parseEnvInt("KAFSCALE_ARCHIVER_PARTITION", 0)),
		InitialRevision: int64(parseEnvInt("KAFSCALE_ARCHIVER_INITIAL_REVISION", 1)),
	}
}

func buildObjectStore(ctx context.Context, logger *slog.Logger) objstore.Client {
	bucket := os.Getenv("KAFSCALE_ARCHIVER_S3_BUCKET")
	region := os.Getenv("KAFSCALE_ARCHIVER_S3_REGION")
	if bucket == "" || region == "" {
		logger.Warn("missing S3 configuration; falling back to in-memory object store")
		return objstore.NewMemoryClient()
	}
	client, err := objstore.NewS3Client(ctx, objstore.S3Config{
		Bucket:         bucket,
		Region:         region,
		Endpoint:       os.Getenv("KAFSCALE_ARCHIVER_S3_ENDPOINT"),
		ForcePathStyle: parseEnvBool("KAFSCALE_ARCHIVER_S3_PATH_STYLE", false),
		KMSKeyARN:      os.Getenv("KAFSCALE_ARCHIVER_S3_KMS_ARN"),
	})
	if err != nil {
		logger.Error("failed to create S3 client; using in-memory", "error", err)
		return objstore.NewMemoryClient()
	}
	return client
}

func buildTermSource(ctx context.Context, logger *slog.Logger, id archival.PartitionIdentity) archival.TermSource {
	endpoints := strings.TrimSpace(os.Getenv("KAFSCALE_ARCHIVER_ETCD_ENDPOINTS"))
	if endpoints == "" {
		logger.Warn("no etcd endpoints configured; running as sole leader")
		return newStaticTermSource()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		logger.Error("failed to connect to etcd; running as sole leader", "error", err)
		return newStaticTermSource()
	}
	replicaID := envOrDefault("KAFSCALE_ARCHIVER_REPLICA_ID", "archiver-1")
	return leaderterm.NewEtcdSource(cli, leaderterm.EtcdSourceConfig{
		ReplicaID:       replicaID,
		LeaseTTLSeconds: parseEnvInt("KAFSCALE_ARCHIVER_LEASE_TTL_SEC", 10),
		Logger:          logger,
	})
}

func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, a *archival.Archiver, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		snap := a.Manifest()
		fmt.Fprintf(w, "ok start_offset=%d insync_offset=%d segments=%d\n", snap.StartOffset, snap.InsyncOffset, len(snap.Segments))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("KAFSCALE_ARCHIVER_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", "archiver")
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvInt(name string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvInt64(name string, fallback int64) int64 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvBool(name string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
