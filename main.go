package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Tutortoise/presence-detection-service/config"
	"github.com/Tutortoise/presence-detection-service/inference"
	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/Tutortoise/presence-detection-service/scheduler"
	"github.com/Tutortoise/presence-detection-service/server"
	"github.com/Tutortoise/presence-detection-service/sinks"
	"github.com/Tutortoise/presence-detection-service/sources"
	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
)

var (
	debugMode bool
)

func init() {
	debugMode = os.Getenv("DEBUG") == "true"
}

// lastReport remembers the most recent report, for --once
type lastReport struct {
	mu     sync.Mutex
	report *models.Report
}

func (l *lastReport) Render(ctx context.Context, report *models.Report) error {
	l.mu.Lock()
	l.report = report
	l.mu.Unlock()
	return nil
}

func (l *lastReport) get() *models.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.report
}

func main() {
	logger, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	parser := argparse.NewParser("presence-detection-service", "Detect the presence of a target class in a stream of frames")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON config file"})
	modelPath := parser.String("", "model", &argparse.Options{Help: "ONNX model file (overrides config)"})
	framePath := parser.String("", "frames", &argparse.Options{Help: "Image file or directory of images (overrides config)"})
	addr := parser.String("", "addr", &argparse.Options{Help: "HTTP listen address (overrides config)"})
	once := parser.Flag("", "once", &argparse.Options{Help: "Run a single cycle, print the report as JSON, and exit"})
	if err := parser.Parse(os.Args); err != nil {
		logger.Errorf("%v", parser.Usage(err))
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFile != "" {
		if cfg, err = config.Load(*configFile); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	if *framePath != "" {
		cfg.FramePath = *framePath
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	if err := run(logger, cfg, *once); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(logger logs.Log, cfg *config.Config, once bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	target, err := cfg.TargetClassID()
	if err != nil {
		return err
	}
	classes, err := cfg.ClassNames()
	if err != nil {
		return err
	}
	className := fmt.Sprintf("class %v", target)
	if target < len(classes) {
		className = classes[target]
	}

	// Initialize ONNX Runtime
	libPath, err := inference.LibraryPath(cfg.LibraryPath)
	if err != nil {
		return err
	}
	if err := inference.Initialize(libPath); err != nil {
		return err
	}
	defer inference.Shutdown()

	info, err := inference.Inspect(cfg.ModelPath, cfg.InputName, cfg.OutputName, cfg.ModelWidth, cfg.ModelHeight)
	if err != nil {
		return err
	}
	if err := info.Check(target, len(classes)); err != nil {
		return err
	}
	logger.Infof("Model %v: input %v %v, output %v %v", info.Path, info.InputName, info.InputShape, info.OutputName, info.OutputShape)

	pool, err := inference.NewSessionPool(logger, inference.ModelSessionFactory(info, cfg.Threads), cfg.PoolSize, cfg.AcquireTimeout.Duration)
	if err != nil {
		return fmt.Errorf("failed to create model session pool: %w", err)
	}
	defer pool.Destroy()
	backend := inference.NewBackend(logger, pool)

	source, err := sources.NewImageSequence(cfg.FramePath)
	if err != nil {
		return err
	}

	opt, err := scheduler.OptionsFromConfig(cfg, info.InputName, info.OutputName)
	if err != nil {
		return err
	}
	opt.LogTimings = debugMode

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if once {
		return runOnce(ctx, logger, opt, source, backend, className)
	}

	hub := sinks.NewHub(logger)
	defer hub.Close()
	sink := sinks.Multi{sinks.NewLogSink(logger, className), hub}

	sched, err := scheduler.New(logger, opt, source, backend, sink)
	if err != nil {
		return err
	}
	go sched.Run(ctx)

	if cfg.Addr != "" {
		srv := server.New(logger, sched, hub, pool)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
				logger.Errorf("HTTP server failed: %v", err)
				cancel()
			}
		}()
	}

	<-sched.Done()
	logger.Infof("Scheduler stopped")
	return nil
}

func runOnce(ctx context.Context, logger logs.Log, opt scheduler.Options, source *sources.ImageSequence, backend scheduler.InferenceBackend, className string) error {
	if !source.Ready() {
		return fmt.Errorf("no frames available")
	}
	opt.MaxCycles = 1
	opt.MinInterval = 0
	capture := &lastReport{}
	sink := sinks.Multi{sinks.NewLogSink(logger, className), capture}

	sched, err := scheduler.New(logger, opt, source, backend, sink)
	if err != nil {
		return err
	}
	sched.Run(ctx)

	report := capture.get()
	if report == nil {
		return fmt.Errorf("detection cycle did not complete")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
