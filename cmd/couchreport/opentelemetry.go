package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/masa23/couchreport"
)

// initOtelMetrics installs the global MeterProvider that receives the
// exported/failed document counters and the Go runtime metrics.
func initOtelMetrics(ctx context.Context) (shutdown func(ctx context.Context) error, err error) {
	creds, err := otelCredentials(conf.OpenTelemetry.TLS)
	if err != nil {
		return nil, err
	}

	instanceID, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("couchreport"),
			semconv.ServiceInstanceID(instanceID.String()),
			semconv.DBSystemKey.String(conf.Driver),
		),
	)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(conf.OpenTelemetry.URL, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	otlpExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(otlpExporter)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		if err := mp.Shutdown(ctx); err != nil {
			ltsvlog.Logger.Err(err)
		}
		conn.Close()
		return nil, err
	}
	ltsvlog.Logger.Info().Fmt("msg", "opentelemetry metrics enabled url=%s", conf.OpenTelemetry.URL).Log()

	return func(ctx context.Context) error {
		// flushes the counters of the last cycle before the connection goes away
		err := mp.Shutdown(ctx)
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

func otelCredentials(c couchreport.ConfigOpenTelemetryTLS) (credentials.TransportCredentials, error) {
	if c.Insecure {
		return insecure.NewCredentials(), nil
	}
	tlsConfig := &tls.Config{}
	if c.CACertificate != "" {
		caPem, err := os.ReadFile(c.CACertificate)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("failed to read otlpgrpc CA Certificate %s err=%+v", c.CACertificate, err))
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPem) {
			return nil, errors.New("failed to load ca certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if c.ClientCertificate != "" && c.ClientCertificateKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertificate, c.ClientCertificateKey)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("failed to LoadX509KeyPair cert=%s key=%s err=%+v",
				c.ClientCertificate, c.ClientCertificateKey, err))
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsConfig), nil
}
