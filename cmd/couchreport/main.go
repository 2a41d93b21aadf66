package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/gotail"

	"github.com/masa23/couchreport"
	"github.com/masa23/couchreport/internal/exporter"
)

// exit status of the fatal tier: bad configuration or no database server
const exitFatal = 2

var (
	conf *couchreport.Config
	// the exporter assumes a single writer
	exportLock = new(sync.Mutex)
)

func main() {
	var configFile string
	var err error
	flag.StringVar(&configFile, "config", "./config.yaml", "config file path")
	flag.Parse()

	conf, err = couchreport.ConfigLoad(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configFile, err)
		os.Exit(exitFatal)
	}

	// Error Log
	logOut, err := openLogger(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", conf.ErrorLogFile, err)
		os.Exit(exitFatal)
	}
	defer logOut.Close()
	pid := os.Getpid()
	ltsvlog.Logger.Info().Fmt("msg", "start couchreport pid=%d driver=%s", pid, conf.Driver).Log()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel := func(context.Context) error { return nil }
	if conf.OpenTelemetry.Enabled {
		shutdown, err := initOtelMetrics(ctx)
		if err != nil {
			// self telemetry is optional, keep exporting without it
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "failed to init opentelemetry", err)))
		} else {
			shutdownOtel = shutdown
		}
	}

	exp, err := newExporter(conf)
	if err != nil {
		fatal("invalid export configuration", err)
	}
	if err := exp.Initialize(ctx); err != nil {
		fatal("cannot initialize export", err)
	}

	go readSamples(ctx, exp)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signalChan {
		switch sig {
		case syscall.SIGHUP:
			if err := logOut.Reopen(); err != nil {
				ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "log file reopen faild", err)))
				continue
			}
			ltsvlog.Logger.Info().String("msg", "reopen log").Log()
		case syscall.SIGINT, syscall.SIGTERM:
			ltsvlog.Logger.Info().Fmt("msg", "receive signal %s, stopping", sig).Log()
			cancel()
			stop(exp, shutdownOtel)
			return
		}
	}
}

func stop(exp exporter.Exporter, shutdownOtel func(context.Context) error) {
	// ctx is canceled already
	stopCtx := context.Background()

	exportLock.Lock()
	if err := exp.Close(stopCtx); err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "failed to close exporter", err)))
	}
	exportLock.Unlock()

	if err := shutdownOtel(stopCtx); err != nil {
		ltsvlog.Logger.Err(err)
	}
	ltsvlog.Logger.Info().String("msg", "couchreport stopped").Log()
}

// fatal logs at critical severity and terminates the process.
func fatal(msg string, err error) {
	ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("critical: %s err=%+v", msg, err)))
	os.Exit(exitFatal)
}

// openLogger sets the global logger. It must run before any goroutine logs;
// later log rotation goes through logWriter.Reopen.
func openLogger(conf *couchreport.Config) (*logWriter, error) {
	lw, err := newLogWriter(conf.ErrorLogFile)
	if err != nil {
		return nil, err
	}
	ltsvlog.Logger = ltsvlog.NewLTSVLogger(lw, conf.Debug)
	return lw, nil
}

func readSamples(ctx context.Context, exp exporter.Exporter) {
	ltsvlog.Logger.Debug().String("msg", "start readSamples go routine").Log()
	gotail.DefaultBufSize = conf.SampleBufferSize
	tail, err := gotail.Open(conf.SampleFile, conf.PosFile)
	if err != nil {
		fatal(fmt.Sprintf("tail sample file faild sampleFile=%s posFile=%s", conf.SampleFile, conf.PosFile), err)
	}
	tail.InitialReadPositionEnd = false

	for tail.Scan() {
		buf := tail.Bytes()
		ltsvlog.Logger.Debug().Fmt("readsample", "%s", string(buf)).Log()
		s, err := couchreport.ParseSample(buf, conf.SampleFormat)
		if err != nil {
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "sample parse error", err)))
			continue
		}

		exportLock.Lock()
		if ctx.Err() != nil {
			exportLock.Unlock()
			return
		}
		exp.Export(ctx, s.Name, s.Columns, s.Points)
		exportLock.Unlock()
	}

	if err = tail.Err(); err != nil {
		fatal("tail sample file err", err)
	}
}
