// Command voicebridge wires the bridge core into a runnable process: it
// loads configuration, constructs the long-lived singletons (function
// registry, call directory store), and mounts the HTTP surface a telephony
// platform and an operator both talk to.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/birddigital/voicebridge/internal/config"
	"github.com/birddigital/voicebridge/pkg/bridge"
	"github.com/birddigital/voicebridge/pkg/directory"
	"github.com/birddigital/voicebridge/pkg/dispatch"
	"github.com/birddigital/voicebridge/pkg/localmodel"
	"github.com/birddigital/voicebridge/pkg/telephonypeer"
)

func uuidFromPath(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// localModelSelfURL builds the loopback WebSocket URL for the substitute
// mounted on this process's own listener.
func localModelSelfURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "ws://127.0.0.1" + listenAddr + "/ws/local-model"
	}
	return "ws://" + listenAddr + "/ws/local-model"
}

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
	}
	dirStore := directory.New(pool)

	registry := dispatch.NewRegistry()
	registerBuiltinTools(registry)

	mux := http.NewServeMux()

	if cfg.UseLocalModel {
		// Serve the model substitute from this same process unless the
		// operator pointed LocalModelURL at one running elsewhere.
		if cfg.LocalModelURL == "" {
			mux.Handle("/ws/local-model", localmodel.New(localmodel.Config{
				ChunkPacing: 20 * time.Millisecond,
			}, log))
			cfg.LocalModelURL = localModelSelfURL(cfg.ListenAddr)
		}
		log.Info().Str("url", cfg.LocalModelURL).Msg("using local model substitute")
	}

	factory := bridge.NewFactory(bridge.Deps{
		Config:    cfg,
		Registry:  registry,
		Directory: dirStore,
		Logger:    log,
	})

	mux.HandleFunc("/ws/telephony", handleTelephonyWebSocket(factory, log))
	mux.HandleFunc("/incoming-call", handleIncomingCall(cfg, log))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/calls", handleListCalls(dirStore, log))
	mux.HandleFunc("/calls/", handleGetCall(dirStore, log))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("voicebridge listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

// registerBuiltinTools wires two of the hang-up-triggering handlers named in
// the fixed set C6 recognizes (wrap_up and transfer_to_human), so a
// deployment has these working out of the box; hang_up is not registered
// here. Real business-logic handlers are registered the same way by
// whatever embeds this package.
func registerBuiltinTools(registry *dispatch.Registry) {
	registry.RegisterTool(dispatch.ToolSchema{
		Name:        "wrap_up",
		Description: "Ends the conversation gracefully once the caller's request has been resolved.",
		Parameters:  map[string]interface{}{},
	}, func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"next_action": "end_call"}, nil
	})

	registry.RegisterTool(dispatch.ToolSchema{
		Name:        "transfer_to_human",
		Description: "Transfers the caller to a human agent.",
		Parameters: map[string]interface{}{
			"reason": map[string]interface{}{"type": "string", "description": "Why the call is being transferred"},
		},
	}, func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"status": "transferring", "reason": args["reason"]}, nil
	})
}

func handleTelephonyWebSocket(factory *bridge.Factory, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := factory.Accept(w, r)
		if err != nil {
			log.Warn().Err(err).Msg("failed to accept telephony connection")
			return
		}
		go b.Run()
	}
}

// handleIncomingCall answers a platform's incoming-call webhook with the
// TwiML that opens the bidirectional media-stream WebSocket back to
// /ws/telephony on this same host.
func handleIncomingCall(cfg *config.Config, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsURL := "wss://" + r.Host + "/ws/telephony"
		if err := telephonypeer.WriteIncomingCallTwiML(w, wsURL); err != nil {
			log.Warn().Err(err).Msg("failed to write incoming-call TwiML")
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleListCalls(store *directory.Store, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := store.ListRecent(r.Context(), 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleGetCall(store *directory.Store, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callIDStr := strings.TrimPrefix(r.URL.Path, "/calls/")
		if callIDStr == "" {
			http.NotFound(w, r)
			return
		}
		callID, err := uuidFromPath(callIDStr)
		if err != nil {
			http.Error(w, "invalid call id", http.StatusBadRequest)
			return
		}
		rec, err := store.Get(r.Context(), callID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}
