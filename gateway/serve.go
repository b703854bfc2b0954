// Package gateway is voxd's HTTP surface: the owner websocket, the
// observer tail, stats and health endpoints, and the serve command
// that wires workers, brokers and the router together.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vox.town/metrics"
	"vox.town/port"
	"vox.town/respond"
	"vox.town/stt"
	"vox.town/tts"
)

type Options struct {
	Logger    *log.Logger
	STT       *stt.Broker
	TTS       *tts.Broker // nil when synthesis is disabled
	Responder respond.Responder
	Registry  *prometheus.Registry
	STTRec    *metrics.Recorder
	TTSRec    *metrics.Recorder
}

type Server struct {
	log       *log.Logger
	stt       *stt.Broker
	tts       *tts.Broker
	responder respond.Responder
	registry  *prometheus.Registry
	sttRec    *metrics.Recorder
	ttsRec    *metrics.Recorder
	hub       *Hub
	upgrader  websocket.Upgrader
}

func NewServer(opts Options) *Server {
	return &Server{
		log:       opts.Logger,
		stt:       opts.STT,
		tts:       opts.TTS,
		responder: opts.Responder,
		registry:  opts.Registry,
		sttRec:    opts.STTRec,
		ttsRec:    opts.TTSRec,
		hub:       NewHub(opts.Logger),
		upgrader: websocket.Upgrader{
			// voxd fronts localhost tooling, not browsers on the open
			// internet.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/session", s.handleSession)
	r.Get("/tail", s.handleTail)
	r.Get("/api/stats", s.handleStats)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	srv := &http.Server{Addr: bind, Handler: s.Routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http", "url", fmt.Sprintf("http://localhost%s", bind))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("tail upgrade failed", "error", err)
		return
	}

	c := s.hub.AddClient(conn)
	s.log.Info("observer connected", "remote", r.RemoteAddr, "observers", s.hub.ClientCount())

	defer func() {
		s.hub.RemoveClient(c)
		s.log.Info("observer disconnected", "remote", r.RemoteAddr)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type statsSnapshot struct {
	STT stt.Stats  `json:"stt"`
	TTS *tts.Stats `json:"tts,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := statsSnapshot{}

	sttStats, err := s.stt.Stats(r.Context())
	if err != nil {
		http.Error(w, "stt broker unavailable", http.StatusServiceUnavailable)
		return
	}
	snap.STT = sttStats

	if s.tts != nil {
		ttsStats, err := s.tts.Stats(r.Context())
		if err != nil {
			http.Error(w, "tts broker unavailable", http.StatusServiceUnavailable)
			return
		}
		snap.TTS = &ttsStats
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice session daemon",
	Long:  `Spawns the configured workers and serves the session websocket, observer tail, stats and metrics over HTTP.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := Serve(); err != nil {
			log.Fatal("voxd going down", "error", err)
		}
	},
}

func init() {
	ServeCmd.Flags().String("bind", ":4444", "HTTP listen address")
	ServeCmd.Flags().String("stt-worker", "", "Transcription worker command")
	ServeCmd.Flags().String("tts-worker", "", "Synthesis worker command (empty disables synthesis)")
	ServeCmd.Flags().String("responder", "", "Reply backend for final transcripts (gemini or openai)")
	viper.BindPFlag("http.bind", ServeCmd.Flags().Lookup("bind"))
	viper.BindPFlag("stt.worker_cmd", ServeCmd.Flags().Lookup("stt-worker"))
	viper.BindPFlag("tts.worker_cmd", ServeCmd.Flags().Lookup("tts-worker"))
	viper.BindPFlag("responder", ServeCmd.Flags().Lookup("responder"))
}

// Serve assembles the daemon from configuration and runs it until a
// signal arrives or a worker is lost. Worker loss comes back as an
// error; voxd exits and leaves the restart to its supervisor.
func Serve() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.Default()

	sttCfg := stt.Config{
		QueueBound:    viper.GetInt("stt.queue_bound"),
		DrainInterval: viper.GetDuration("stt.drain_interval"),
		DrainBatch:    viper.GetInt("stt.drain_batch"),
		Policy:        stt.Policy(viper.GetString("stt.policy")),
		GraceTTL:      viper.GetDuration("stt.grace_ttl"),
	}
	if err := sttCfg.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}

	workerCmd := viper.GetString("stt.worker_cmd")
	if workerCmd == "" {
		return errors.New("no transcription worker configured, set stt.worker_cmd or pass --stt-worker")
	}

	registry := prometheus.NewRegistry()
	sttRec := metrics.New(registry, "stt")

	sttPort, err := port.Spawn(strings.Fields(workerCmd), logger.WithPrefix("port"), sttRec)
	if err != nil {
		return fmt.Errorf("spawn stt worker: %w", err)
	}
	defer sttPort.Close()
	sttBroker := stt.New(sttCfg, sttPort, logger.WithPrefix("stt"), sttRec)

	var (
		ttsBroker *tts.Broker
		ttsRec    *metrics.Recorder
	)
	if ttsCmd := viper.GetString("tts.worker_cmd"); ttsCmd != "" {
		ttsCfg := tts.Config{GraceTTL: viper.GetDuration("tts.grace_ttl")}
		if err := ttsCfg.Validate(); err != nil {
			return fmt.Errorf("tts config: %w", err)
		}
		ttsRec = metrics.New(registry, "tts")
		ttsPort, err := port.Spawn(strings.Fields(ttsCmd), logger.WithPrefix("port"), ttsRec)
		if err != nil {
			return fmt.Errorf("spawn tts worker: %w", err)
		}
		defer ttsPort.Close()
		ttsBroker = tts.New(ttsCfg, ttsPort, logger.WithPrefix("tts"), ttsRec)
	}

	backend := viper.GetString("responder")
	responder, err := respond.New(ctx, backend, responderKey(backend))
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	if responder != nil {
		logger.Info("responder enabled", "backend", backend)
	}

	srv := NewServer(Options{
		Logger:    logger.WithPrefix("gateway"),
		STT:       sttBroker,
		TTS:       ttsBroker,
		Responder: responder,
		Registry:  registry,
		STTRec:    sttRec,
		TTSRec:    ttsRec,
	})

	n := 2
	errc := make(chan error, 3)
	go func() { errc <- sttBroker.Run(ctx) }()
	if ttsBroker != nil {
		n = 3
		go func() { errc <- ttsBroker.Run(ctx) }()
	}
	go func() { errc <- srv.ListenAndServe(ctx, viper.GetString("http.bind")) }()

	firstErr := <-errc
	cancel()
	for i := 1; i < n; i++ {
		select {
		case err := <-errc:
			if firstErr == nil {
				firstErr = err
			}
		case <-time.After(5 * time.Second):
			logger.Warn("shutdown timed out")
			return firstErr
		}
	}
	return firstErr
}

func responderKey(backend string) string {
	switch backend {
	case "gemini":
		return viper.GetString("gemini_api_key")
	case "openai":
		return viper.GetString("openai_api_key")
	}
	return ""
}
