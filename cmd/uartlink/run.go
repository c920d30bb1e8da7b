package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uartlink/internal/capture"
	"github.com/banshee-data/uartlink/internal/config"
	"github.com/banshee-data/uartlink/internal/db"
	"github.com/banshee-data/uartlink/internal/monitor"
	"github.com/banshee-data/uartlink/internal/monitoring"
	"github.com/banshee-data/uartlink/internal/report"
	"github.com/banshee-data/uartlink/internal/serialmux"
	"github.com/banshee-data/uartlink/internal/session"
)

// openLine opens and configures the device, or a capture file when replaying.
func openLine(cfg *config.LinkConfig) (*serialmux.Line, error) {
	var (
		factory serialmux.SerialPortFactory = serialmux.NewRealSerialPortFactory()
		path                                = cfg.GetDevice()
		options []serialmux.LineOption
	)
	if replay := cfg.GetReplayPath(); replay != "" {
		factory = capture.ReplayFactory{}
		path = replay
		options = append(options, serialmux.WithLocker(serialmux.NoLock))
	}

	line, err := serialmux.Open(factory, path, options...)
	if err != nil {
		return nil, err
	}
	if err := line.Configure(cfg.LineOptions()); err != nil {
		line.Close()
		return nil, err
	}
	return line, nil
}

// serveDebug runs the debug HTTP server until ctx is done.
func serveDebug(ctx context.Context, wg *sync.WaitGroup, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("debug server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("debug server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("debug server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("debug server force close error: %v", err)
			}
		}
	}()
}

// run executes one session described by cfg, printing the banner and the
// summary to out. The session error is returned unchanged so the caller can
// tell a lost frame boundary from a failure.
func run(ctx context.Context, cfg *config.LinkConfig, out io.Writer) error {
	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	line, err := openLine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := line.Close(); err != nil {
			monitoring.Warnf("%v", err)
		}
	}()

	banner, err := report.Banner(line.Path(), line.Options(), sessCfg)
	if err != nil {
		return err
	}
	fmt.Fprint(out, banner)

	runID := uuid.New()
	opts := []session.Option{
		session.WithRunID(runID),
		session.WithOutput(out),
	}

	var database *db.DB
	if path := cfg.GetDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer database.Close()

		err = database.BeginRun(db.RunMeta{
			RunID:     runID,
			Device:    line.Path(),
			Line:      line.Options().String(),
			Config:    sessCfg,
			StartedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		opts = append(opts, session.WithObserver(db.NewRecorder(database)))
	}

	if path := cfg.GetCapturePath(); path != "" {
		cw, err := capture.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			if err := cw.Close(); err != nil {
				monitoring.Warnf("capture %s: %v", path, err)
			} else {
				monitoring.Logf("captured %d frames to %s", cw.Frames(), path)
			}
		}()
		opts = append(opts, session.WithObserver(cw))
	}

	var wg sync.WaitGroup
	if addr := cfg.GetListen(); addr != "" {
		hub := monitor.NewHub()
		opts = append(opts, session.WithObserver(hub))

		mux := http.NewServeMux()
		hub.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		serverCtx, stop := context.WithCancel(ctx)
		serveDebug(serverCtx, &wg, addr, mux)
		defer wg.Wait()
		defer stop()
		defer hub.Close()
	}

	runner, err := session.NewRunner(line, sessCfg, opts...)
	if err != nil {
		return err
	}
	sum, runErr := runner.Run(ctx)

	if database != nil {
		if err := database.FinishRun(sum, runErr); err != nil {
			monitoring.Warnf("%v", err)
		}
	}

	table, err := report.Summary(sum)
	if err != nil {
		return errors.Join(runErr, err)
	}
	fmt.Fprint(out, table)
	return runErr
}

// history prints the most recent runs stored at path.
func history(path string, limit int, out io.Writer) error {
	if path == "" {
		return fmt.Errorf("history needs a run database, set --db or db_path")
	}
	database, err := db.NewDB(path)
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := database.RecentRuns(limit)
	if err != nil {
		return err
	}
	table, err := report.History(runs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(out, table)
	return err
}
