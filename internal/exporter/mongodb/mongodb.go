package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/couchreport/internal/exporter"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	DefaultCollection = "metrics"

	// server error code for "collection already exists"
	codeNamespaceExists = 48
)

type MongoDBExporter struct {
	config     *MongoDBExporterConfig
	client     *mongo.Client
	collection *mongo.Collection
	counters   *exporter.Counters
	now        func() time.Time
}

var _ exporter.Exporter = (*MongoDBExporter)(nil)

type MongoDBExporterConfig struct {
	Host       string
	Port       int
	DB         string
	Collection string
	User       string
	Password   string
	// AuthSource is the database holding the user. Empty leaves the
	// driver default (admin unless the URI names one).
	AuthSource string
	// SRV selects the hosted transport (mongodb+srv://host).
	SRV       bool
	Timestamp exporter.TimestampMode
}

func NewMongoDBExporter(config *MongoDBExporterConfig) (*MongoDBExporter, error) {
	var missing []string
	if config.Host == "" {
		missing = append(missing, "host")
	}
	if config.Port == 0 && !config.SRV {
		missing = append(missing, "port")
	}
	if config.DB == "" {
		missing = append(missing, "db")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: mongodb %s", exporter.ErrMissingConfig, strings.Join(missing, ","))
	}
	if config.Collection == "" {
		config.Collection = DefaultCollection
	}
	return &MongoDBExporter{
		config:   config,
		counters: exporter.NewCounters("mongodb"),
		now:      time.Now,
	}, nil
}

func (e *MongoDBExporter) ServerURI() string {
	if e.config.SRV {
		return "mongodb+srv://" + e.config.Host + "/"
	}
	return "mongodb://" + net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port)) + "/"
}

func (e *MongoDBExporter) Initialize(ctx context.Context) error {
	if e.collection != nil {
		return nil
	}
	client, err := mongo.Connect(ctx, e.clientOptions())
	if err != nil {
		return fmt.Errorf("%w %s: %v", exporter.ErrConnect, e.ServerURI(), err)
	}
	if err := e.setup(ctx, client); err != nil {
		_ = client.Disconnect(ctx)
		return err
	}
	return nil
}

func (e *MongoDBExporter) clientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(e.ServerURI())
	if e.config.User != "" {
		opts.SetAuth(options.Credential{
			Username:   e.config.User,
			Password:   e.config.Password,
			AuthSource: e.config.AuthSource,
		})
	}
	return opts
}

// setup checks the connection of client and makes sure the target
// collection exists. The exporter keeps client only on success.
func (e *MongoDBExporter) setup(ctx context.Context, client *mongo.Client) error {
	uri := e.ServerURI()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w %s: %v", exporter.ErrConnect, uri, err)
	}
	ltsvlog.Logger.Info().Fmt("msg", "Connected to the MongoDB server %s", uri).Log()

	db := client.Database(e.config.DB)
	if err := e.ensureCollection(ctx, db); err != nil {
		return err
	}
	e.client = client
	e.collection = db.Collection(e.config.Collection)
	return nil
}

func (e *MongoDBExporter) ensureCollection(ctx context.Context, db *mongo.Database) error {
	names, err := db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: e.config.Collection}})
	switch {
	case err != nil:
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("failed to check MongoDB collection db=%s collection=%s err=%+v",
			e.config.DB, e.config.Collection, err)))
	case len(names) > 0:
		ltsvlog.Logger.Info().Fmt("msg", "There is already a %s.%s collection", e.config.DB, e.config.Collection).Log()
		return nil
	}

	if err := db.CreateCollection(ctx, e.config.Collection); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists {
			ltsvlog.Logger.Info().Fmt("msg", "There is already a %s.%s collection", e.config.DB, e.config.Collection).Log()
			return nil
		}
		return fmt.Errorf("%w %s.%s: %v", exporter.ErrCreateDatabase, e.config.DB, e.config.Collection, err)
	}
	ltsvlog.Logger.Info().Fmt("msg", "Created the %s.%s collection", e.config.DB, e.config.Collection).Log()
	return nil
}

// AuthSource returns the configured authentication database, empty for the
// driver default.
func (e *MongoDBExporter) AuthSource() string {
	return e.config.AuthSource
}

// Collection returns the target collection, nil before Initialize.
func (e *MongoDBExporter) Collection() *mongo.Collection {
	return e.collection
}

func (e *MongoDBExporter) Export(ctx context.Context, name string, columns []string, points []any) {
	ltsvlog.Logger.Debug().Fmt("msg", "Export %s stats to MongoDB", name).Log()
	if err := e.send(ctx, name, columns, points); err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("Cannot export plugin=%s stats to MongoDB err=%+v", name, err)))
		e.counters.Failed(ctx, name)
		return
	}
	e.counters.Exported(ctx, name)
}

func (e *MongoDBExporter) send(ctx context.Context, name string, columns []string, points []any) error {
	if e.collection == nil {
		return exporter.ErrNotInitialized
	}
	doc, err := exporter.NewDocument(name, columns, points, e.config.Timestamp, e.now())
	if err != nil {
		return err
	}
	_, err = e.collection.InsertOne(ctx, toBSON(doc))
	return err
}

// toBSON keeps the document field order. In local mode the time field is
// stored as a BSON datetime.
func toBSON(doc *exporter.Document) bson.D {
	at, local := doc.LocalTime()
	d := make(bson.D, 0, doc.Len())
	for _, f := range doc.Fields() {
		if local && f.Key == exporter.FieldTime {
			d = append(d, bson.E{Key: f.Key, Value: at})
			continue
		}
		d = append(d, bson.E{Key: f.Key, Value: f.Value})
	}
	return d
}

func (e *MongoDBExporter) Close(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	err := e.client.Disconnect(ctx)
	e.client = nil
	e.collection = nil
	return err
}
