package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/ayusman/handtrack/internal/app"
	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/config"
	"github.com/ayusman/handtrack/internal/detector"
	"github.com/ayusman/handtrack/internal/engine"
	"github.com/ayusman/handtrack/internal/palm"
	"github.com/ayusman/handtrack/internal/server"
	"github.com/ayusman/handtrack/internal/store"
	"github.com/ayusman/handtrack/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	modelPath := flag.String("model", "", "palm detection model (.tflite or .onnx)")
	source := flag.String("source", "", "camera index or video file")
	addr := flag.String("addr", "", "HTTP listen address")
	headless := flag.Bool("headless", false, "run without the system tray")
	flag.Parse()

	fmt.Println("Handtrack - Palm Detection")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *source != "" {
		cfg.Source.Name = *source
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// Initialize the store
	var st *store.Store
	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			log.Fatalf("Failed to initialize store: %v", err)
		}
		defer st.Close()
	}

	// Load the model, falling back to a detector that never finds a palm
	det, layout, backend := loadDetector(cfg)
	defer engine.Shutdown()

	pre := capture.NewPreprocessor(layout.InputWidth, layout.InputHeight, cfg.Source.Mirror)

	a := app.New(app.Config{
		Source:          capture.NewSource(cfg.Source.Name),
		Detector:        det,
		Preprocessor:    pre,
		Store:           st,
		IdleFPS:         cfg.Source.IdleFPS,
		ActiveFPS:       cfg.Source.ActiveFPS,
		MotionGate:      cfg.Source.MotionGate,
		MotionThreshold: cfg.Source.MotionThreshold,
		Debug:           cfg.Debug,
		Session: store.Session{
			Model:       filepath.Base(cfg.Model.Path),
			Backend:     backend,
			Source:      cfg.Source.Name,
			InputWidth:  layout.InputWidth,
			InputHeight: layout.InputHeight,
			NumAnchors:  layout.NumAnchors,
		},
	})
	defer a.Close()

	if err := a.Start(); err != nil {
		log.Printf("Failed to start detection pipeline: %v", err)
	}

	// Find web directory
	webDir := cfg.Server.StaticDir
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	srv := server.New(server.Config{
		StaticDir: webDir,
		Store:     st,
		App:       a,
	})

	fmt.Printf("Starting server on %s\n", cfg.Server.Addr)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe(cfg.Server.Addr)
	}()

	if *headless {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Printf("Received %v, shutting down", s)
		case err := <-serverErr:
			log.Printf("Server failed: %v", err)
		}
		return
	}

	t := tray.New()
	t.SetEnabled(a.IsEnabled())
	t.OnToggle(a.SetEnabled)
	t.OnDashboard(func() {
		if err := openBrowser(dashboardURL(cfg.Server.Addr)); err != nil {
			log.Printf("Failed to open dashboard: %v", err)
		}
	})
	t.OnQuit(func() {
		log.Println("Quitting")
	})

	results, cancel := a.Subscribe()
	defer cancel()
	go func() {
		for res := range results {
			best, ok := res.Best()
			t.SetLastPalm(best.Score, ok)
		}
	}()

	go func() {
		if err := <-serverErr; err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	t.Run()
}

// loadDetector builds the palm detector from the configured model. A missing
// model file is logged and replaced by a mock so the server still comes up;
// a model whose outputs do not match the anchor grid is fatal.
func loadDetector(cfg config.Config) (detector.Detector, engine.Layout, string) {
	ecfg := cfg.EngineConfig()

	fallback := engine.Layout{
		InputWidth:  palm.PalmInputSize,
		InputHeight: palm.PalmInputSize,
		NumAnchors:  palm.PalmNumAnchors,
		NumCoords:   palm.CoordsPerAnchor(palm.PalmNumKeypoints),
	}

	eng, err := engine.LoadFile(cfg.Model.Path, ecfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("Model %s not found, palm detection disabled", cfg.Model.Path)
			return detector.NewMockDetector(), fallback, "none"
		}
		log.Fatalf("Failed to load model: %v", err)
	}

	d, err := detector.NewPalmDetector(eng, cfg.PalmConfig())
	if err != nil {
		log.Fatalf("Failed to create palm detector: %v", err)
	}

	layout := d.Layout()
	backend := ecfg.Backend
	if backend == "" {
		backend, _ = engine.BackendFor(cfg.Model.Path)
	}
	log.Printf("Loaded %s model %s: %dx%d input, %d anchors",
		backend, filepath.Base(cfg.Model.Path), layout.InputWidth, layout.InputHeight, layout.NumAnchors)

	return d, layout, string(backend)
}

func dashboardURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.handtrack/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	// Check relative paths from current working directory
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	// Check home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".handtrack", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
