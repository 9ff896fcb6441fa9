// Command syncd runs the mailbox sync daemon: IMAP agents under a
// supervisor, the ingestion pipeline, and the WebSocket hub, all wired
// together from a TOML config file with SYNCD_* environment overrides.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/agent"
	"github.com/inboxkit/syncd/internal/bus"
	"github.com/inboxkit/syncd/internal/classify"
	"github.com/inboxkit/syncd/internal/config"
	"github.com/inboxkit/syncd/internal/credstore"
	"github.com/inboxkit/syncd/internal/deadletter"
	"github.com/inboxkit/syncd/internal/embeddings"
	"github.com/inboxkit/syncd/internal/hub"
	"github.com/inboxkit/syncd/internal/index"
	"github.com/inboxkit/syncd/internal/metrics"
	"github.com/inboxkit/syncd/internal/pipeline"
	"github.com/inboxkit/syncd/internal/search"
	"github.com/inboxkit/syncd/internal/searchindex"
	"github.com/inboxkit/syncd/internal/supervisor"
	"github.com/inboxkit/syncd/internal/vectorstore"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// staticVerifier maps bearer tokens to user IDs. Tokens come from the
// SYNCD_WS_TOKENS environment variable as "token=userId" pairs separated
// by commas; token issuance itself lives outside the daemon.
type staticVerifier struct {
	tokens map[string]string
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (string, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}

// devVerifier accepts any non-empty token as the user ID. Dev mode only.
type devVerifier struct{}

func (devVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func parseTokenMap(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, "=")
		if !ok || token == "" || userID == "" {
			continue
		}
		tokens[token] = userID
	}
	return tokens
}

func slogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newTracerProvider sets up OTLP trace export when an endpoint is
// configured. Without OTEL_EXPORTER_OTLP_ENDPOINT tracing stays on the
// default no-op provider.
func newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("syncd"),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// adminAuthorized checks the bearer token on hand-rolled admin routes.
// The hub guards its own /status and /test the same way.
func adminAuthorized(r *http.Request, adminToken string) bool {
	if adminToken == "" {
		return false
	}
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+adminToken {
		return true
	}
	return r.URL.Query().Get("token") == adminToken
}

func main() {
	configPath := flag.String("config", "syncd.toml", "path to the TOML config file")
	dev := flag.Bool("dev", false, "dev mode: accept any WebSocket token as the user ID")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("FATAL: Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("FATAL: Invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel(cfg.Daemon.SlogLevel()),
	}))
	slog.SetDefault(logger)

	tp, err := newTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Instrument AWS SDK clients with OTel tracing
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)

	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(registry)

	var refresher credstore.TokenRefresher
	if cfg.OAuth.TokenEndpoint != "" {
		refresher = credstore.NewOAuthRefresher(cfg.OAuth.TokenEndpoint, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	}

	var creds credstore.Store
	if cfg.AWS.CredentialTable != "" {
		creds = credstore.NewDynamoStore(dynamoClient, cfg.AWS.CredentialTable, refresher)
	} else {
		logger.Warn("no credential table configured, using in-memory credential store")
		creds = credstore.NewMemoryStore(refresher)
	}

	var vectors *vectorstore.S3VectorsClient
	var embedder *embeddings.BedrockEmbedder
	if cfg.AWS.VectorBucket != "" {
		vectors = vectorstore.NewS3VectorsClient(s3vectors.NewFromConfig(awsCfg), cfg.AWS.VectorBucket, map[string]string{
			"Project": "syncd",
		})
		embedder = embeddings.NewBedrockEmbedder(bedrockClient)
	}

	var idx index.EmailIndex
	if cfg.AWS.EmailTable != "" {
		dynIdx := index.NewDynamoIndex(dynamoClient, cfg.AWS.EmailTable)
		if vectors != nil {
			dynIdx.UseVectorSearch(search.NewVectorSearcher(embedder, vectors))
		}
		idx = dynIdx
	} else {
		logger.Warn("no email table configured, using in-memory index")
		idx = index.NewMemoryIndex()
	}

	classifier := classify.NewBedrockClassifier(bedrockClient, classify.Config{
		ModelID: cfg.Classifier.ModelID,
	}, collector)

	var searchPub searchindex.Publisher
	var dlqPub deadletter.Publisher
	if cfg.AWS.SearchQueueURL != "" || cfg.AWS.DeadletterQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg)
		if cfg.AWS.SearchQueueURL != "" {
			searchPub = searchindex.NewSQSPublisher(sqsClient, cfg.AWS.SearchQueueURL)
		}
		if cfg.AWS.DeadletterQueueURL != "" {
			dlqPub = deadletter.NewSQSPublisher(sqsClient, cfg.AWS.DeadletterQueueURL)
		}
	}

	b := bus.New(collector)
	pipe := pipeline.New(idx, classifier, b, searchPub, dlqPub, collector)
	if vectors != nil {
		pipe.UseVectorIndexer(search.NewVectorIndexer(embedder, vectors))
	}

	dialer := agent.NewIMAPDialer(cfg.Sync.ConnectTimeout())
	agentCfg := agent.Config{
		BackfillWindow: cfg.Sync.BackfillWindow(),
		IdleMax:        cfg.Sync.IdleMaxInterval(),
		FetchTimeout:   cfg.Sync.FetchTimeout(),
		RetryBase:      cfg.Sync.RetryBaseDelay(),
		RetryCap:       cfg.Sync.RetryCapDelay(),
	}
	factory := func(key account.AccountKey, sink supervisor.StatusSink) supervisor.Runner {
		return agent.New(key, creds, dialer, pipe, sink, agentCfg)
	}

	sup := supervisor.New(factory, creds, b, collector, supervisor.Config{
		ShutdownDeadline: cfg.Daemon.ShutdownDeadlineDuration(),
	})

	var verifier hub.TokenVerifier
	if *dev {
		logger.Warn("dev mode: WebSocket tokens are trusted as user IDs")
		verifier = devVerifier{}
	} else {
		verifier = &staticVerifier{tokens: parseTokenMap(os.Getenv("SYNCD_WS_TOKENS"))}
	}

	h := hub.New(verifier, sup, b, collector, hub.Config{
		Heartbeat:    cfg.WS.HeartbeatInterval(),
		WriteTimeout: cfg.WS.WriteTimeoutDuration(),
		QueueLen:     cfg.WS.SessionQueue,
		AdminToken:   cfg.Daemon.AdminToken,
	})

	// The hub outlives the signal context: agents stop first so their final
	// Stopped statuses still reach connected sessions, then the hub drains.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		h.Run(hubCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !adminAuthorized(r, cfg.Daemon.AdminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sup.RestartAll(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !adminAuthorized(r, cfg.Daemon.AdminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			UserID string `json:"userId"`
			Email  string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}
		key := account.AccountKey{UserID: req.UserID, Email: req.Email}
		if req.Email == "" {
			// No email: revoke every credential the user has.
			if err := sup.StopAll(r.Context(), req.UserID); err != nil {
				logger.Error("stop agents on revoke", slog.String("userId", req.UserID), slog.String("error", err.Error()))
			}
		} else if err := sup.Stop(r.Context(), key); err != nil {
			logger.Error("stop agent on revoke", slog.String("account", key.String()), slog.String("error", err.Error()))
		}
		if err := creds.Revoke(r.Context(), key); err != nil {
			http.Error(w, "revoke credential: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", h.Handler())

	srv := &http.Server{
		Addr:    cfg.Daemon.Listen,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	logger.Info("syncd listening", slog.String("addr", cfg.Daemon.Listen))

	select {
	case err := <-serveErr:
		logger.Error("FATAL: HTTP server failed", slog.String("error", err.Error()))
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.String("deadline", cfg.Daemon.ShutdownDeadlineDuration().String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownDeadlineDuration())
	defer cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("supervisor shutdown incomplete", slog.String("error", err.Error()))
	}
	stopHub()
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", slog.String("error", err.Error()))
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown incomplete", slog.String("error", err.Error()))
		}
	}
}
