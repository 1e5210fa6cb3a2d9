package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"visionrelay/internal/agent"
	"visionrelay/internal/auth"
	"visionrelay/internal/config"
	"visionrelay/internal/database"
	"visionrelay/internal/detection"
	"visionrelay/internal/emitter"
	"visionrelay/internal/ocr"
	"visionrelay/internal/overlay"
	"visionrelay/internal/pipeline"
	"visionrelay/internal/pipeline/detectors"
	"visionrelay/internal/pipeline/strategies"
	"visionrelay/internal/sampler"
	"visionrelay/internal/services"
	"visionrelay/internal/stream"
	"visionrelay/internal/vision"
	"visionrelay/internal/ws"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF   = flag.String("config", os.Getenv("VISIONRELAY_CONFIG"), "Path to the YAML configuration file")
		hostF     = flag.String("host", "", "Listen host (overrides server.host)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides server.port)")
		startF    = flag.Bool("start", false, "Start analysis immediately")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[visionrelay] ", log.Ltime)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	registry := detectors.NewRegistry()
	defer registry.Close()

	backend, err := buildBackend(cfg, registry)
	if err != nil {
		logger.Fatalf("failed to build %s backend: %v", cfg.Backend.Kind, err)
	}
	defer backend.Close()

	recognizer := buildRecognizer(cfg, registry, logger)

	// Video source shared by the scheduler, the overlay and the snapshot route.
	source := pipeline.NewLiveSource(pipeline.LiveSourceConfig{
		Device:        cfg.Source.Device,
		FPS:           cfg.Source.FPS,
		Width:         cfg.Source.Width,
		Height:        cfg.Source.Height,
		DisplayWidth:  cfg.Source.DisplayWidth,
		DisplayHeight: cfg.Source.DisplayHeight,
	})
	getSource := func() pipeline.FrameSource { return source }

	defaults := cfg.AnalysisDefaults()
	strategy, err := strategies.NewStrategyFactory().Create(backend.Kind(), defaults)
	if err != nil {
		logger.Fatalf("failed to create cadence strategy: %v", err)
	}

	eventBus := pipeline.NewEventBus()
	scheduler, err := pipeline.NewScheduler(pipeline.SchedulerConfig{
		Backend:    backend,
		Sampler:    sampler.New(sampler.ForBackend(backend.Kind(), cfg.Sampler.MaxWidth, cfg.Sampler.Quality)),
		Recognizer: recognizer,
		Strategy:   strategy,
		EventBus:   eventBus,
		Analysis:   defaults,
	})
	if err != nil {
		logger.Fatalf("failed to create scheduler: %v", err)
	}
	defer scheduler.Close()

	// Result fan-out: live viewers, the latest-result store and MQTT.
	hub := ws.NewVisionHub()
	defer hub.Close()
	bridge := pipeline.NewResultBridge(hub, db)

	var mqttEmitter *emitter.MQTTEmitter
	if cfg.MQTT.Enabled {
		mqttEmitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Encoding:    cfg.MQTT.Encoding,
		})
		bridge.AddSink(mqttEmitter)
	}
	detach := bridge.Attach(eventBus)
	defer detach()

	agentClient := agent.NewClient(agent.Config{
		URL:         cfg.Agent.URL,
		APIKey:      cfg.Agent.APIKey,
		SendTimeout: cfg.Agent.SendTimeout,
	})
	defer agentClient.Close()

	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	})
	if err != nil {
		logger.Fatalf("failed to initialize auth: %v", err)
	}

	overlayStream := stream.NewMJPEGStream("overlay")
	defer overlayStream.Close()

	// Initialize the services.
	var (
		healthSvc   *services.HealthImplementation
		visionSvc   *services.VisionImplementation
		settingsSvc *services.SettingsImplementation
		authSvc     *services.AuthImplementation
	)
	{
		healthSvc = services.NewHealthService(backend, getSource, agentClient, mqttEmitter)
		visionSvc = services.NewVisionService(scheduler, getSource, agentClient.UpdateHandler(), db, hub)
		settingsSvc = services.NewSettingsService(scheduler, defaults, db, registry)
		authSvc = services.NewAuthService(authenticator)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Source.Device != "" {
		if err := source.Start(); err != nil {
			logger.Printf("video source not started: %v", err)
		}
		defer source.Stop()
	} else {
		logger.Printf("no video device configured; analysis will idle until one is set")
	}

	if cfg.Agent.URL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agentClient.Run(ctx)
		}()
	}

	if mqttEmitter != nil {
		if err := mqttEmitter.Connect(ctx); err != nil {
			logger.Printf("MQTT disabled: %v", err)
		} else {
			defer mqttEmitter.Disconnect()
		}
	}

	if cfg.Overlay.Enabled {
		loop := overlay.NewLoop(overlay.LoopConfig{FPS: cfg.Overlay.FPS, Quality: cfg.Overlay.Quality}, getSource, scheduler, overlayStream)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	if *startF {
		if _, err := visionSvc.Start(ctx, nil); err != nil {
			logger.Printf("analysis not started: %v", err)
		}
	}

	// Start the servers and send errors (if any) to the error channel.
	{
		host := cfg.Server.Host
		if *hostF != "" {
			host = *hostF
		}
		port := strconv.Itoa(cfg.Server.Port)
		if *httpPortF != "" {
			port = *httpPortF
		}
		addr := "http://" + net.JoinHostPort(host, port)
		u, err := url.Parse(addr)
		if err != nil {
			logger.Fatalf("invalid URL %#v: %s\n", addr, err)
		}

		routes := &httpRoutes{
			health:   healthSvc,
			vision:   visionSvc,
			settings: settingsSvc,
			auth:     authSvc,
			overlay:  overlayStream,
			snapshot: stream.NewSnapshotHandler(overlayStream, rawFrame(source)),
			viewers:  ws.NewHandler(hub, viewerSnapshot(scheduler)),
		}
		handleHTTPServer(ctx, u, routes, authenticator, &wg, errc, logger, *dbgF || cfg.Server.Debug)
	}

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	scheduler.Stop()
	cancel()

	wg.Wait()
	logger.Println("exited")
}

// buildBackend creates the configured Detection Backend. Local model clients
// are registered in the registry so health checks and shutdown see them.
func buildBackend(cfg *config.Config, registry *detectors.Registry) (pipeline.Backend, error) {
	switch cfg.BackendKind() {
	case pipeline.BackendRemote:
		return vision.NewRemoteBackend(vision.RemoteConfig{
			BaseURL:     cfg.Remote.BaseURL,
			APIKey:      cfg.Remote.APIKey,
			Model:       cfg.Remote.Model,
			Prompt:      cfg.Remote.Prompt,
			MaxTokens:   cfg.Remote.MaxTokens,
			Temperature: cfg.Remote.Temperature,
			Timeout:     cfg.Remote.Timeout,
		}), nil

	case pipeline.BackendLocal:
		if cfg.Local.Detector.IsSet() {
			client, err := detection.NewClient(cfg.Local.Detector.ClientConfig())
			if err != nil {
				return nil, fmt.Errorf("detector: %w", err)
			}
			if err := registry.Register(detectors.NewDetectorAdapter(client, cfg.Analysis.DetectionThreshold)); err != nil {
				return nil, err
			}
		}
		if cfg.Local.Classifier.IsSet() {
			client, err := detection.NewClient(cfg.Local.Classifier.ClientConfig())
			if err != nil {
				return nil, fmt.Errorf("classifier: %w", err)
			}
			if err := registry.Register(detectors.NewClassifierAdapter(client, cfg.Local.TopK)); err != nil {
				return nil, err
			}
		}
		return vision.NewLocalBackend(vision.LocalConfig{
			Registry:       registry,
			DetectorName:   detectors.DetectorName,
			ClassifierName: detectors.ClassifierName,
		})

	default:
		return nil, fmt.Errorf("unknown backend kind: %s", cfg.Backend.Kind)
	}
}

// buildRecognizer returns nil when OCR is disabled or cannot start; the
// pipeline then runs without text.
func buildRecognizer(cfg *config.Config, registry *detectors.Registry, logger *log.Logger) pipeline.TextRecognizer {
	if !cfg.OCR.Enabled {
		return nil
	}

	if cfg.OCR.Engine == "tesseract" {
		rec, err := ocr.New(ocr.Config{Language: cfg.OCR.Language})
		if err != nil {
			logger.Printf("OCR disabled: %v", err)
			return nil
		}
		if err := registry.Register(rec); err != nil {
			logger.Printf("OCR disabled: %v", err)
			rec.Close()
			return nil
		}
		return rec
	}

	client, err := detection.NewClient(cfg.OCR.ModelEndpoint().ClientConfig())
	if err != nil {
		logger.Printf("OCR disabled: %v", err)
		return nil
	}
	rec := detectors.NewRecognizerAdapter(client, cfg.OCR.Language)
	if err := registry.Register(rec); err != nil {
		logger.Printf("OCR disabled: %v", err)
		client.Close()
		return nil
	}
	return rec
}

// rawFrame serves the unannotated source frame when the overlay has nothing
func rawFrame(source *pipeline.LiveSource) stream.FrameFunc {
	return func() []byte {
		if frame := source.LatestFrame(); frame != nil {
			return frame.Data
		}
		return nil
	}
}

func viewerSnapshot(scheduler *pipeline.Scheduler) ws.SnapshotFunc {
	return func() (*pipeline.VisionResult, string, string) {
		return scheduler.Current(), scheduler.ID(), scheduler.Status()
	}
}
