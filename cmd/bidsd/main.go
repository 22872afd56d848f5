package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/rtbids/rtbids/pkg/api"
	"github.com/rtbids/rtbids/pkg/auth"
	"github.com/rtbids/rtbids/pkg/logging"
	"github.com/rtbids/rtbids/pkg/metrics"
	"github.com/rtbids/rtbids/pkg/openneuro"
	"github.com/rtbids/rtbids/pkg/ratelimit"
	"github.com/rtbids/rtbids/pkg/shutdown"
	tlsutil "github.com/rtbids/rtbids/pkg/tls"
	"github.com/rtbids/rtbids/pkg/tracing"
)

const version = "0.1.0"

func main() {
	port := flag.String("port", "8080", "API server port")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus metrics port")
	cacheDir := flag.String("cache", "openneuro-cache", "Directory OpenNeuro datasets are mirrored into")
	noOpenNeuro := flag.Bool("no-openneuro", false, "Disable OpenNeuro downloads")
	onEndpoint := flag.String("openneuro-endpoint", openneuro.DefaultEndpoint, "OpenNeuro S3 endpoint")
	downloadWorkers := flag.Int("download-workers", 4, "Parallel OpenNeuro download workers")
	streamTTL := flag.Duration("stream-ttl", 30*time.Minute, "Close streams idle longer than this (0 disables expiry)")
	indexBackend := flag.String("index-backend", "memory", "Archive index backend (memory or sqlite)")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "Idle stream sweep interval")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or use RTBIDS_API_KEY env var)")
	rateLimit := flag.Float64("rate-limit", 10, "Requests per second allowed per client IP (0 disables)")
	rateBurst := flag.Int("rate-burst", 20, "Burst size for the rate limiter")
	useTLS := flag.Bool("tls", false, "Enable TLS")
	certFile := flag.String("cert", "certs/bidsd.crt", "TLS certificate file")
	keyFile := flag.String("key", "certs/bidsd.key", "TLS key file")
	caFile := flag.String("ca", "", "CA certificate file for mTLS")
	requireClientCert := flag.Bool("mtls", false, "Require client certificate (mTLS)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate and exit")
	certHosts := flag.String("cert-hosts", "", "Comma-separated SANs to include in the generated certificate")
	enableTracing := flag.Bool("tracing", false, "Enable OpenTelemetry tracing")
	otlpEndpoint := flag.String("otlp-endpoint", "localhost:4318", "OTLP trace collector endpoint")
	environment := flag.String("environment", "development", "Deployment environment reported in traces")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Write structured logs as JSON")
	flag.Parse()

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logJSON)

	// Get API key from flag or environment variable
	apiKey := *apiKeyFlag
	apiKeySource := "command-line flag"
	if apiKey == "" {
		apiKey = os.Getenv("RTBIDS_API_KEY")
		apiKeySource = "environment variable"
	}

	log.Println("Starting bidsd BIDS streaming daemon")
	log.Printf("Version: %s", version)
	log.Printf("Port: %s", *port)

	if *generateCert {
		log.Println("Generating self-signed certificate...")
		if err := os.MkdirAll(filepath.Dir(*certFile), 0o755); err != nil {
			log.Fatalf("Failed to create certificate directory: %v", err)
		}
		if err := tlsutil.GenerateSelfSignedCert(*certFile, *keyFile, "bidsd", splitSANs(*certHosts)...); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		log.Println("Certificate generated successfully")
		log.Printf("  Certificate: %s", *certFile)
		log.Printf("  Key: %s", *keyFile)
		return
	}

	provider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "bidsd",
		ServiceVersion: version,
		Environment:    *environment,
		OTLPEndpoint:   *otlpEndpoint,
		Enabled:        *enableTracing,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	collector := metrics.New()
	registry := api.NewRegistry(*streamTTL)

	var limiter *ratelimit.Limiter
	if *rateLimit > 0 {
		limiter = ratelimit.NewLimiter(*rateLimit, *rateBurst)
		log.Printf("Rate limiting enabled: %.1f req/s per client (burst %d)", *rateLimit, *rateBurst)
	}

	// The sweep also ages out idle rate-limiter buckets and refreshes
	// the active-streams gauge.
	registry.StartJanitor(*sweepInterval, func(expired int) {
		if expired > 0 {
			log.Printf("Expired %d idle streams", expired)
			collector.StreamsExpired.Add(float64(expired))
		}
		collector.StreamsActive.Set(float64(registry.Len()))
		if limiter != nil {
			limiter.Cleanup(time.Hour)
		}
	})

	if *indexBackend != "memory" && *indexBackend != "sqlite" {
		log.Fatalf("Unknown index backend %q (want memory or sqlite)", *indexBackend)
	}

	handler := api.NewHandler(registry, collector)
	handler.SetIndexBackend(*indexBackend)
	log.Printf("Archive index backend: %s", *indexBackend)
	if !*noOpenNeuro {
		fetcher := openneuro.NewClient()
		fetcher.SetEndpoint(*onEndpoint)
		fetcher.SetWorkers(*downloadWorkers)
		fetcher.SetLogger(logger)
		handler.SetFetcher(fetcher, *cacheDir)
		log.Printf("OpenNeuro downloads enabled (cache: %s)", *cacheDir)
	} else {
		log.Println("OpenNeuro downloads disabled")
	}

	verifier := auth.NewVerifier(apiKey, "")
	if verifier.Enabled() {
		log.Printf("API authentication enabled (source: %s)", apiKeySource)
	} else {
		log.Println("WARNING: API authentication disabled")
		log.Println("Set RTBIDS_API_KEY or use --api-key to require bearer tokens")
	}

	router := mux.NewRouter()
	router.Use(collector.BandwidthMiddleware)
	router.Use(tracing.HTTPMiddleware(provider))
	if limiter != nil {
		router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
	}
	if verifier.Enabled() {
		router.Use(func(next http.Handler) http.Handler {
			authed := verifier.Middleware(next)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Health stays open for probes.
				if r.URL.Path == "/health" {
					next.ServeHTTP(w, r)
					return
				}
				authed.ServeHTTP(w, r)
			})
		})
	}
	handler.RegisterRoutes(router)

	shutdownMgr := shutdown.New(30*time.Second, logger)
	shutdownMgr.Register("tracing", provider.Shutdown)
	shutdownMgr.Register("stream registry", func(ctx context.Context) error {
		registry.StopJanitor()
		if n := registry.CloseAll(); n > 0 {
			log.Printf("Closed %d open streams", n)
		}
		return nil
	})

	if *enableMetrics {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", collector.Handler()).Methods("GET")
		metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
		}).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         ":" + *metricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		shutdownMgr.Register("metrics server", shutdown.StopHTTPServer(metricsSrv))

		go func() {
			log.Printf("Metrics server listening on :%s", *metricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("api server", shutdown.StopHTTPServer(srv))

	if *useTLS {
		log.Println("TLS enabled")
		if *requireClientCert {
			log.Println("mTLS enabled, requiring client certificates")
		}

		if _, err := os.Stat(*certFile); os.IsNotExist(err) {
			log.Printf("Certificate file not found: %s", *certFile)
			log.Println("Generating self-signed certificate...")
			if err := os.MkdirAll(filepath.Dir(*certFile), 0o755); err != nil {
				log.Fatalf("Failed to create certificate directory: %v", err)
			}
			if err := tlsutil.GenerateSelfSignedCert(*certFile, *keyFile, "bidsd", splitSANs(*certHosts)...); err != nil {
				log.Fatalf("Failed to generate certificate: %v", err)
			}
		}

		tlsConfig, err := tlsutil.LoadTLSConfig(*certFile, *keyFile, *caFile, *requireClientCert)
		if err != nil {
			log.Fatalf("Failed to load TLS config: %v", err)
		}
		srv.TLSConfig = tlsConfig
	} else {
		log.Println("WARNING: TLS disabled")
	}

	go func() {
		log.Printf("bidsd listening on :%s", *port)
		log.Println("API endpoints:")
		log.Println("  POST   /streams")
		log.Println("  GET    /streams")
		log.Println("  GET    /streams/{id}")
		log.Println("  DELETE /streams/{id}")
		log.Println("  GET    /streams/{id}/volumes/{index}")
		log.Println("  POST   /append")
		log.Println("  GET    /health")

		var err error
		if *useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	shutdownMgr.Wait()
	shutdownMgr.Shutdown()
}

func splitSANs(hosts string) []string {
	var sans []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			sans = append(sans, h)
		}
	}
	return sans
}
