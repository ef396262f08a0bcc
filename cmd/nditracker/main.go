// Command nditracker connects to a tracker described by a configuration
// file, prints its tools and streams frames to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/nditracker/internal/config"
	"github.com/banshee-data/nditracker/internal/tracker"
	"github.com/banshee-data/nditracker/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tracker configuration file (.json, .yaml or .yml)")
	frames      = flag.Int("frames", 0, "Number of frames to print; 0 runs until interrupted")
	interval    = flag.Duration("interval", 100*time.Millisecond, "Delay between frames")
	listen      = flag.String("listen", "", "Debug HTTP listen address, e.g. localhost:8080 (disabled when empty)")
	timeout     = flag.Duration("timeout", 3*time.Second, "Per-reply device timeout")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// frameSource is the part of tracker.Service the print loop needs.
type frameSource interface {
	GetFrame() (*tracker.Frame, error)
}

// run prints frames from src until n have been printed (n > 0) or ctx is
// cancelled.
func run(ctx context.Context, src frameSource, w io.Writer, n int, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for i := 0; n <= 0 || i < n; i++ {
		f, err := src.GetFrame()
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		printFrame(w, i, f)

		if n > 0 && i == n-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func printFrame(w io.Writer, i int, f *tracker.Frame) {
	fmt.Fprintf(w, "frame %d\n", i)
	for row := 0; row < f.Len(); row++ {
		quality := "missing"
		if q := f.Qualities[row]; !math.IsNaN(q) {
			quality = fmt.Sprintf("%.4f", q)
		}
		fmt.Fprintf(w, "  tool %d  port %d  device frame %d  quality %s  at %s\n", row,
			f.PortHandles[row], f.FrameNumbers[row], quality, f.Timestamps[row].Format(time.RFC3339Nano))
		fmt.Fprintf(w, "%v\n", mat.Formatted(f.Transforms[row], mat.Prefix("    "), mat.Squeeze()))
	}
}

func printTools(w io.Writer, indices []int, descriptions []string) {
	fmt.Fprintf(w, "%d tools\n", len(indices))
	for i := range indices {
		fmt.Fprintf(w, "  %d: %s\n", indices[i], descriptions[i])
	}
}

// controller is the part of tracker.Service needed to bring a session up.
type controller interface {
	GetToolDescriptions() ([]int, []string, error)
	StartTracking() error
	Close() error
}

// start prints the tool table and starts tracking. On failure the tracker
// is closed before the error is returned.
func start(c controller, w io.Writer) error {
	indices, descriptions, err := c.GetToolDescriptions()
	if err != nil {
		closeTracker(c)
		return fmt.Errorf("failed to list tools: %w", err)
	}
	printTools(w, indices, descriptions)

	if err := c.StartTracking(); err != nil {
		closeTracker(c)
		return fmt.Errorf("failed to start tracking: %w", err)
	}
	return nil
}

// closeTracker closes c, ignoring sessions a failed command already closed.
func closeTracker(c controller) {
	if err := c.Close(); err != nil && !errors.Is(err, tracker.ErrInvalidState) {
		log.Printf("close: %v", err)
	}
}

func connect(path string) (*tracker.Session, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	resolved, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return tracker.Connect(resolved, tracker.Options{Timeout: *timeout})
}

func serveDebug(ctx context.Context, svc *tracker.Service, addr string) {
	mux := http.NewServeMux()
	svc.AttachAdminRoutes(mux)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("debug server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
		server.Close()
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *configPath == "" {
		log.Fatal("-config is required")
	}
	if *interval <= 0 {
		log.Fatal("-interval must be positive")
	}

	session, err := connect(*configPath)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	svc := tracker.NewService(session)
	if err := start(svc, os.Stdout); err != nil {
		// start has already closed svc
		log.Print(err)
		os.Exit(1)
	}
	defer closeTracker(svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	debugCtx, stopDebug := context.WithCancel(ctx)
	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(debugCtx, svc, *listen)
		}()
	}

	if err := run(ctx, svc, os.Stdout, *frames, *interval); err != nil {
		log.Printf("acquisition stopped: %v", err)
	}
	stopDebug()
	wg.Wait()
}
