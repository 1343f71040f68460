package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kwv/dronefuse/fusion"
)

const commandBuffer = 16

// MQTTFactory builds the MQTT client for the service.
type MQTTFactory func(cfg *fusion.Config, h fusion.Handlers, tb fusion.Timebase, logger *zap.SugaredLogger) (*fusion.MQTTClient, error)

// App encapsulates the application state and dependencies
type App struct {
	Out     io.Writer
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	NewMQTT MQTTFactory

	Config       *fusion.Config
	Timebase     fusion.Timebase
	Filter       *fusion.SharedFilter
	Queue        *fusion.InertialQueue
	Ingest       fusion.InertialIngest
	Orchestrator *fusion.Orchestrator
	Renderer     *fusion.SnapshotRenderer
	Frames       *fusion.FrameQueue
	Commands     chan string
	MQTTClient   *fusion.MQTTClient
	Publisher    *fusion.Publisher
	LogWriter    *fusion.LogWriter
	Recorder     *fusion.Recorder
	Serial       *fusion.SerialSource

	// CLI Flags (effectively dependencies)
	ConfigFile string
	HTTPPort   int
	ReplayFile string
	OutputFile string
	Debug      bool

	server   *http.Server
	httpAddr string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Out:     os.Stdout,
		Clock:   clock.New(),
		NewMQTT: fusion.NewMQTTClient,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.HTTPPort = opts.HTTPPort
	a.ReplayFile = opts.ReplayFile
	a.OutputFile = opts.OutputFile
	a.Debug = opts.Debug
}

func (a *App) ensureLogger() error {
	if a.Logger != nil {
		return nil
	}
	l, err := fusion.NewLogger("dronefuse", a.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	a.Logger = l
	return nil
}

func (a *App) loadConfig() (*fusion.Config, error) {
	cfg, err := fusion.LoadConfig(a.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	if a.HTTPPort != 0 {
		cfg.HTTP.Port = a.HTTPPort
	}
	a.Config = cfg
	return cfg, nil
}

// buildPipeline wires the filter, the inertial queue, calibration and the
// orchestrator. notify receives the tracker requests and may be nil.
func (a *App) buildPipeline(cfg *fusion.Config, notify func(fusion.TrackerRequest), calibOpts []fusion.LoaderOption, opts ...fusion.Option) {
	device := &fusion.DeviceIdentity{}
	a.Filter = fusion.NewSharedFilter(fusion.NewBlendFilter(cfg.Fusion.ObservationGain))
	a.Queue = fusion.NewInertialQueue(cfg.Fusion.QueueConfig(), a.Filter.FusedYaw, a.Logger.Named("imu"))
	a.Ingest = fusion.InertialIngest{Queue: a.Queue, Filter: a.Filter, Device: device}

	calib := fusion.NewCalibrationLoader(cfg.Camera, device, a.Clock, a.Logger.Named("camera"), calibOpts...)
	factory := fusion.ReportFactory{Notify: notify, Logger: a.Logger.Named("tracker")}

	opts = append([]fusion.Option{fusion.WithClock(a.Clock), fusion.WithLogger(a.Logger)}, opts...)
	a.Orchestrator = fusion.NewOrchestrator(fusion.OrchestratorConfigFrom(cfg.Fusion), a.Filter, a.Queue, factory, calib, opts...)
	a.Renderer = fusion.NewSnapshotRenderer(cfg.Render)
}

// openRecording opens the text log at logFile (if set) and the SQLite
// recorder (if configured) and returns them as orchestrator sinks.
func (a *App) openRecording(cfg *fusion.Config, logFile string) ([]fusion.Option, error) {
	var opts []fusion.Option
	if logFile != "" {
		lw, err := fusion.CreateLogFile(logFile)
		if err != nil {
			return nil, err
		}
		a.LogWriter = lw
		opts = append(opts, fusion.WithFrameSink(lw))
		a.Logger.Infof("Writing log records to %s", logFile)
	}
	if cfg.Record.SQLite != "" {
		rec, err := fusion.OpenRecorder(cfg.Record.SQLite, a.Logger.Named("recorder"))
		if err != nil {
			return nil, err
		}
		a.Recorder = rec
		opts = append(opts, fusion.WithFrameSink(rec), fusion.WithEventSink(rec))
		a.Logger.Infof("Recording session %s to %s", rec.Session(), cfg.Record.SQLite)
	}
	return opts, nil
}

func (a *App) handleSample(s fusion.InertialSample) {
	// Rejections are logged by the queue.
	_ = a.Ingest.Ingest(s)
}

func (a *App) submitCommand(cmd string) {
	select {
	case a.Commands <- cmd:
	default:
		a.Logger.Warnf("[MQTT] command buffer full, dropping %q", cmd)
	}
}

func (a *App) mqttConnected() bool {
	return a.MQTTClient != nil && a.MQTTClient.IsConnected()
}

// RunService runs the fusion service until SIGINT or SIGTERM.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// Serve runs the service until ctx is cancelled: MQTT input and output,
// the optional serial IMU, the optional HTTP server and the frame loop.
func (a *App) Serve(ctx context.Context) (err error) {
	if err := a.ensureLogger(); err != nil {
		return err
	}
	ctx, a.cancel = context.WithCancel(ctx)
	defer func() { err = multierr.Append(err, a.Close()) }()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Logger.Infof("Loaded config from %s", a.ConfigFile)

	a.Timebase = fusion.NewTimebase(a.Clock.Now())
	a.Frames = fusion.NewFrameQueue(cfg.Fusion.FrameBuffer, a.Clock, a.Timebase, a.Logger.Named("video"))
	a.Commands = make(chan string, commandBuffer)

	// Handlers fire only after Connect, once the pipeline exists.
	a.MQTTClient, err = a.NewMQTT(cfg, fusion.Handlers{
		Inertial: a.handleSample,
		Frame:    a.Frames.Submit,
		Command:  a.submitCommand,
	}, a.Timebase, a.Logger.Named("mqtt"))
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT: %w", err)
	}
	if a.MQTTClient == nil {
		return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.Publisher = fusion.NewPublisher(a.MQTTClient.Client(), cfg.ResolvePublishPrefix(), a.Logger.Named("publisher"))
	a.Publisher.SetQoS(cfg.MQTT.QoS)

	opts, err := a.openRecording(cfg, cfg.Record.LogFile)
	if err != nil {
		return err
	}
	opts = append(opts, fusion.WithFrameSink(a.Publisher), fusion.WithEventSink(a.Publisher))
	a.buildPipeline(cfg, a.Publisher.TrackerRequest, nil, opts...)

	a.MQTTClient.Connect(ctx)

	if cfg.IMUSerial.Port != "" {
		src, err := fusion.OpenSerialSource(cfg.IMUSerial.Port, cfg.IMUSerial.PortOptions(), a.Timebase, a.Logger.Named("imu"))
		if err != nil {
			return err
		}
		a.Serial = src
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := src.Run(ctx, a.handleSample); err != nil && ctx.Err() == nil {
				a.Logger.Errorf("[IMU] serial source stopped: %v", err)
			}
		}()
	}

	if cfg.HTTP.Port > 0 {
		if err := a.startHTTP(fmt.Sprintf("0.0.0.0:%d", cfg.HTTP.Port)); err != nil {
			return err
		}
	}

	a.printServiceInfo(cfg)

	err = a.Orchestrator.Run(ctx, a.Frames.Frames(), a.Commands)
	a.Logger.Info("Shutting down service...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startHTTP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}
	a.httpAddr = ln.Addr().String()
	a.server = &http.Server{
		Handler:           newHTTPServer(a.Orchestrator, a.Renderer, a.mqttConnected, a.Logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Logger.Infof("[HTTP] Starting server on %s", a.httpAddr)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Errorf("[HTTP] Server error: %v", err)
		}
	}()
	return nil
}

func (a *App) printServiceInfo(cfg *fusion.Config) {
	out := a.Out
	fmt.Fprintln(out, "\nService Running")
	fmt.Fprintln(out, "===============")

	topics := cfg.MQTT.Topics
	fmt.Fprintln(out, "\nMQTT:")
	fmt.Fprintln(out, "  Subscribed topics:")
	for _, t := range []struct{ name, topic string }{
		{"inertial", topics.Inertial},
		{"video", topics.Video},
		{"command", topics.Command},
	} {
		if t.topic != "" {
			fmt.Fprintf(out, "    - %s (%s)\n", t.topic, t.name)
		}
	}
	fmt.Fprintf(out, "  Status: %s\n", a.Publisher.Topic("status"))
	fmt.Fprintf(out, "  Log lines: %s\n", a.Publisher.Topic("log"))
	fmt.Fprintf(out, "  Events: %s\n", a.Publisher.Topic("events"))
	fmt.Fprintf(out, "  Tracker requests: %s\n", a.Publisher.Topic("tracker"))

	if cfg.IMUSerial.Port != "" {
		fmt.Fprintf(out, "\nSerial IMU: %s\n", cfg.IMUSerial.Port)
	}

	if cfg.HTTP.Port > 0 {
		fmt.Fprintf(out, "\nHTTP endpoints (port %d):\n", cfg.HTTP.Port)
		fmt.Fprintln(out, "  GET /health            - Health check")
		fmt.Fprintln(out, "  GET /status            - Last frame report")
		fmt.Fprintln(out, "  GET /snapshot.geojson  - Map snapshot as GeoJSON")
		fmt.Fprintln(out, "  GET /snapshot.svg      - Top-down map view")
		fmt.Fprintln(out, "  GET /snapshot.png      - Top-down map view with status caption")
	}

	fmt.Fprintln(out, "\nPress Ctrl+C to stop")
}

// RunReplay processes the recording named by --replay.
func (a *App) RunReplay() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, err := a.Replay(ctx)
	return err
}

// Replay pushes a JSONL recording through the pipeline and writes the log
// records next to it, or to --output.
func (a *App) Replay(ctx context.Context) (stats fusion.ReplayStats, err error) {
	if err := a.ensureLogger(); err != nil {
		return stats, err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	cfg, err := a.loadConfig()
	if err != nil {
		return stats, err
	}

	output := a.OutputFile
	if output == "" {
		output = strings.TrimSuffix(a.ReplayFile, filepath.Ext(a.ReplayFile)) + ".log"
	}
	if filepath.Clean(output) == filepath.Clean(a.ReplayFile) {
		return stats, fmt.Errorf("output %s would overwrite the recording", output)
	}

	in, err := os.Open(a.ReplayFile)
	if err != nil {
		return stats, fmt.Errorf("opening recording: %w", err)
	}
	defer in.Close()

	opts, err := a.openRecording(cfg, output)
	if err != nil {
		return stats, err
	}
	// Samples and frames come from one reader, so a frame must not wait
	// for a device version only a later line can carry.
	a.buildPipeline(cfg, nil, []fusion.LoaderOption{fusion.WithoutDeviceWait()}, opts...)

	r := &fusion.Replayer{Orchestrator: a.Orchestrator, Ingest: a.Ingest, Logger: a.Logger.Named("replay")}
	stats, err = r.Run(ctx, in)
	if err != nil {
		return stats, fmt.Errorf("replaying %s: %w", a.ReplayFile, err)
	}

	fmt.Fprintf(a.Out, "Replayed %s -> %s\n", a.ReplayFile, output)
	fmt.Fprintf(a.Out, "  samples: %d (%d rejected)\n", stats.Samples, stats.Rejected)
	fmt.Fprintf(a.Out, "  frames: %d\n", stats.Frames)
	for _, s := range slices.Sorted(maps.Keys(stats.Statuses)) {
		fmt.Fprintf(a.Out, "    %-14s %d\n", s, stats.Statuses[s])
	}
	fmt.Fprintf(a.Out, "  commands: %d\n", stats.Commands)
	if stats.Skipped > 0 {
		fmt.Fprintf(a.Out, "  skipped lines: %d\n", stats.Skipped)
	}
	return stats, nil
}

// RunCheckConfig loads and validates the configuration and prints what the
// service would do with it.
func (a *App) RunCheckConfig() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	out := a.Out
	fmt.Fprintf(out, "Config %s is valid\n", a.ConfigFile)

	if broker := cfg.ResolveBroker(); broker != "" {
		fmt.Fprintf(out, "  MQTT broker: %s (client %s, prefix %s)\n", broker, cfg.ResolveClientID(), cfg.ResolvePublishPrefix())
		fmt.Fprintf(out, "  topics: inertial=%q video=%q command=%q\n",
			cfg.MQTT.Topics.Inertial, cfg.MQTT.Topics.Video, cfg.MQTT.Topics.Command)
	} else {
		fmt.Fprintln(out, "  MQTT: disabled (service mode needs a broker)")
	}

	f := cfg.Fusion
	fmt.Fprintf(out, "  fusion: video delay %d ms, xyz delay %d ms, max keyframes %d, queue %d\n",
		f.VideoDelayMS, f.XYZDelayMS, f.MaxKeyframes, f.QueueCapacity)

	switch {
	case cfg.Camera.Params != nil:
		fmt.Fprintf(out, "  camera: inline parameters %v\n", *cfg.Camera.Params)
	case cfg.Camera.CalibrationFile != "":
		fmt.Fprintf(out, "  camera: %s\n", cfg.Camera.CalibrationFile)
	default:
		for _, v := range slices.Sorted(maps.Keys(cfg.Camera.DefaultFiles)) {
			fmt.Fprintf(out, "  camera (device v%d): %s\n", v, cfg.Camera.DefaultFiles[v])
		}
	}

	if cfg.IMUSerial.Port != "" {
		fmt.Fprintf(out, "  serial IMU: %s\n", cfg.IMUSerial.Port)
	}
	if cfg.Record.LogFile != "" {
		fmt.Fprintf(out, "  log file: %s\n", cfg.Record.LogFile)
	}
	if cfg.Record.SQLite != "" {
		fmt.Fprintf(out, "  sqlite: %s\n", cfg.Record.SQLite)
	}
	if cfg.HTTP.Port > 0 {
		fmt.Fprintf(out, "  HTTP port: %d\n", cfg.HTTP.Port)
	}
	return nil
}

// Close stops the background goroutines and closes every output.
func (a *App) Close() error {
	var err error
	if a.cancel != nil {
		a.cancel()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.server.Shutdown(ctx))
		cancel()
		a.server = nil
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	a.wg.Wait()
	if a.LogWriter != nil {
		err = multierr.Append(err, a.LogWriter.Close())
		a.LogWriter = nil
	}
	if a.Recorder != nil {
		err = multierr.Append(err, a.Recorder.Close())
		a.Recorder = nil
	}
	return err
}
