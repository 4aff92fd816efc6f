package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auditfuse/pkg/coordinator"
	"auditfuse/pkg/detector"
	"auditfuse/pkg/feature"
	"auditfuse/pkg/model"
	"auditfuse/pkg/store"
)

const serviceName = "auditfuse"

func main() {
	port := envInt("AF_PORT", 8080)

	var resultStore store.ResultStore
	var pg *store.Postgres
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		pg, err = store.NewPostgres(store.PostgresConfig{DSN: dsn})
		if err != nil {
			log.Fatalf("[%s] connect postgres: %v", serviceName, err)
		}
		defer pg.Close()
		if src := envStr("AF_MIGRATIONS", "file://migrations"); src != "" {
			if err := pg.Migrate(src); err != nil {
				log.Fatalf("[%s] migrate: %v", serviceName, err)
			}
		}
		resultStore = pg
	} else {
		log.Printf("[%s] DATABASE_URL not set, using in-memory result store", serviceName)
		resultStore = store.NewMemory()
	}

	models := model.NewRegistry(model.Options{RedisAddr: os.Getenv("REDIS_ADDR")})

	coord, err := coordinator.New(coordinator.Config{
		Registry: detector.RegistryConfig{
			Workers: envInt("AF_WORKERS", 4),
			Timeout: time.Duration(envInt("AF_DETECTOR_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		Models: models,
		Store:  resultStore,
	})
	if err != nil {
		log.Fatalf("[%s] init coordinator: %v", serviceName, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/detect", handleDetect(coord))
	mux.HandleFunc("/feedback", handleFeedback(resultStore))
	mux.HandleFunc("/models", handleModels(models))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // detection on large batches is slow
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[%s] listening on :%d", serviceName, port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[%s] server: %v", serviceName, err)
		}
	}()

	<-ctx.Done()
	log.Printf("[%s] shutting down", serviceName)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[%s] shutdown: %v", serviceName, err)
	}
}

type detectRequest struct {
	Records []feature.Record      `json:"records"`
	Config  coordinator.RunConfig `json:"config"`
}

func handleDetect(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		report, err := coord.DetectAnomalies(r.Context(), req.Records, req.Config)
		if err != nil {
			var cfgErr *coordinator.ConfigurationError
			var featErr *coordinator.FeatureExtractionError
			status := http.StatusInternalServerError
			if errors.As(err, &cfgErr) || errors.As(err, &featErr) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleFeedback(rs store.ResultStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var fb store.Feedback
			if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			if fb.AnomalyID == "" {
				http.Error(w, "anomaly_id is required", http.StatusBadRequest)
				return
			}
			if err := rs.SaveFeedback(r.Context(), &fb); err != nil {
				http.Error(w, "save feedback: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusCreated, fb)
		case http.MethodGet:
			anomalyID := r.URL.Query().Get("anomaly_id")
			if anomalyID == "" {
				http.Error(w, "anomaly_id is required", http.StatusBadRequest)
				return
			}
			list, err := rs.ListFeedback(r.Context(), anomalyID)
			if err != nil {
				http.Error(w, "list feedback: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, list)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleModels(models *model.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, models.List())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[%s] encode response: %v", serviceName, err)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
