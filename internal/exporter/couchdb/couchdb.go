package couchdb

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	kivikcouch "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/couchreport/internal/exporter"
)

const driverName = "couch"

type CouchDBExporter struct {
	config   *CouchDBExporterConfig
	client   *kivik.Client
	db       *kivik.DB
	counters *exporter.Counters
	now      func() time.Time
}

var _ exporter.Exporter = (*CouchDBExporter)(nil)

type CouchDBExporterConfig struct {
	Host     string
	Port     int
	DB       string
	User     string
	Password string
	// Cloudant selects the hosted transport: https and the host alone.
	Cloudant  bool
	Timestamp exporter.TimestampMode
}

// NewCouchDBExporter checks the mandatory settings. It does not touch the network.
func NewCouchDBExporter(config *CouchDBExporterConfig) (*CouchDBExporter, error) {
	var missing []string
	if config.Host == "" {
		missing = append(missing, "host")
	}
	if config.Port == 0 {
		missing = append(missing, "port")
	}
	if config.DB == "" {
		missing = append(missing, "db")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: couchdb %s", exporter.ErrMissingConfig, strings.Join(missing, ","))
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("couchdb port %d is out of range", config.Port)
	}
	return &CouchDBExporter{
		config:   config,
		counters: exporter.NewCounters("couchdb"),
		now:      time.Now,
	}, nil
}

// ServerURL is http://host:port/, or https://host/ for Cloudant.
// A host that already carries a scheme is used as is.
func (e *CouchDBExporter) ServerURL() string {
	if strings.Contains(e.config.Host, "://") {
		return strings.TrimSuffix(e.config.Host, "/") + "/"
	}
	if e.config.Cloudant {
		return "https://" + e.config.Host + "/"
	}
	return "http://" + net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port)) + "/"
}

// Initialize connects to the server and creates the database when it is absent.
// Calling it again after success does nothing.
func (e *CouchDBExporter) Initialize(ctx context.Context) error {
	if e.db != nil {
		return nil
	}
	serverURL := e.ServerURL()

	var options []kivik.Option
	if e.config.User != "" {
		options = append(options, kivikcouch.BasicAuth(e.config.User, e.config.Password))
	}
	client, err := kivik.New(driverName, serverURL, options...)
	if err != nil {
		return fmt.Errorf("%w %s: %v", exporter.ErrConnect, serverURL, err)
	}
	version, err := client.Version(ctx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("%w %s: %v", exporter.ErrConnect, serverURL, err)
	}
	ltsvlog.Logger.Info().Fmt("msg", "Connected to the CouchDB server %s", serverURL).
		String("version", version.Version).Log()

	if err := e.ensureDatabase(ctx, client); err != nil {
		_ = client.Close()
		return err
	}

	e.client = client
	e.db = client.DB(e.config.DB)
	return nil
}

func (e *CouchDBExporter) ensureDatabase(ctx context.Context, client *kivik.Client) error {
	exists, err := client.DBExists(ctx, e.config.DB)
	switch {
	case err != nil:
		// the existence check failed for another reason than absence; try to create anyway
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("failed to check CouchDB database db=%s err=%+v", e.config.DB, err)))
	case exists:
		ltsvlog.Logger.Info().Fmt("msg", "There is already a %s database", e.config.DB).Log()
		return nil
	}

	if err := client.CreateDB(ctx, e.config.DB); err != nil {
		if kivik.HTTPStatus(err) == http.StatusPreconditionFailed {
			ltsvlog.Logger.Info().Fmt("msg", "There is already a %s database", e.config.DB).Log()
			return nil
		}
		return fmt.Errorf("%w %s: %v", exporter.ErrCreateDatabase, e.config.DB, err)
	}
	ltsvlog.Logger.Info().Fmt("msg", "Created the %s database", e.config.DB).Log()
	return nil
}

// Database returns the handle of the configured database, nil before Initialize.
func (e *CouchDBExporter) Database() *kivik.DB {
	return e.db
}

// Export writes one document. Failures are logged once and dropped.
func (e *CouchDBExporter) Export(ctx context.Context, name string, columns []string, points []any) {
	ltsvlog.Logger.Debug().Fmt("msg", "Export %s stats to CouchDB", name).Log()
	if err := e.send(ctx, name, columns, points); err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("Cannot export plugin=%s stats to CouchDB err=%+v", name, err)))
		e.counters.Failed(ctx, name)
		return
	}
	e.counters.Exported(ctx, name)
}

func (e *CouchDBExporter) send(ctx context.Context, name string, columns []string, points []any) error {
	if e.db == nil {
		return exporter.ErrNotInitialized
	}
	doc, err := exporter.NewDocument(name, columns, points, e.config.Timestamp, e.now())
	if err != nil {
		return err
	}
	docID, rev, err := e.db.CreateDoc(ctx, doc)
	if err != nil {
		return err
	}
	ltsvlog.Logger.Debug().String("msg", "created document").String("id", docID).String("rev", rev).Log()
	return nil
}

func (e *CouchDBExporter) Close(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.db = nil
	return err
}
