package mongodb

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/couchreport/internal/exporter"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const listCollectionsNS = "glances.$cmd.listCollections"

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := ltsvlog.Logger
	ltsvlog.Logger = ltsvlog.NewLTSVLogger(&buf, false)
	t.Cleanup(func() { ltsvlog.Logger = orig })
	return &buf
}

func newTestExporter(t *testing.T) *MongoDBExporter {
	t.Helper()
	e, err := NewMongoDBExporter(&MongoDBExporterConfig{Host: "localhost", Port: 27017, DB: "glances"})
	if err != nil {
		t.Fatalf("NewMongoDBExporter Error %+v", err)
	}
	e.now = func() time.Time { return time.Unix(1700000000, 0) }
	return e
}

func TestNewMongoDBExporterMissingConfig(t *testing.T) {
	cases := []MongoDBExporterConfig{
		{Port: 27017, DB: "glances"},
		{Host: "localhost", DB: "glances"},
		{Host: "localhost", Port: 27017},
	}
	for _, c := range cases {
		c := c
		if _, err := NewMongoDBExporter(&c); !errors.Is(err, exporter.ErrMissingConfig) {
			t.Fatalf("config %+v: expected ErrMissingConfig got %v", c, err)
		}
	}

	e, err := NewMongoDBExporter(&MongoDBExporterConfig{Host: "cluster0.example.net", DB: "glances", SRV: true})
	if err != nil {
		t.Fatalf("SRV without port Error %+v", err)
	}
	if e.config.Collection != DefaultCollection {
		t.Fatalf("collection=%s", e.config.Collection)
	}
}

func TestServerURI(t *testing.T) {
	cases := []struct {
		config MongoDBExporterConfig
		want   string
	}{
		{MongoDBExporterConfig{Host: "localhost", Port: 27017, DB: "glances"}, "mongodb://localhost:27017/"},
		{MongoDBExporterConfig{Host: "cluster0.example.net", DB: "glances", SRV: true}, "mongodb+srv://cluster0.example.net/"},
	}
	for _, c := range cases {
		c := c
		e, err := NewMongoDBExporter(&c.config)
		if err != nil {
			t.Fatalf("NewMongoDBExporter Error %+v", err)
		}
		if got := e.ServerURI(); got != c.want {
			t.Fatalf("ServerURI got=%s want=%s", got, c.want)
		}
	}
}

func TestToBSON(t *testing.T) {
	doc, err := exporter.NewDocument("cpu", []string{"cpu_percent", "mem_percent"}, []any{12.5, 44.2},
		exporter.TimestampUTC, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewDocument Error %+v", err)
	}
	got := toBSON(doc)
	want := bson.D{
		{Key: "cpu_percent", Value: 12.5},
		{Key: "mem_percent", Value: 44.2},
		{Key: "type", Value: "cpu"},
		{Key: "time", Value: int64(1700000000)},
	}
	if len(got) != len(want) {
		t.Fatalf("len got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d got=%+v want=%+v", i, got[i], want[i])
		}
	}
}

func TestExportBeforeInitialize(t *testing.T) {
	buf := captureLog(t)
	e := newTestExporter(t)
	e.Export(context.Background(), "cpu", []string{"user"}, []any{1})
	out := buf.String()
	if n := strings.Count(out, "\n"); n != 1 {
		t.Fatalf("expected one log entry got %d: %s", n, out)
	}
	if !strings.Contains(out, "cpu") {
		t.Fatalf("log entry does not name the plugin: %s", out)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close Error %+v", err)
	}
}

func TestToBSONLocalTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 20, 30, 700000000, time.UTC)
	doc, err := exporter.NewDocument("cpu", []string{"user"}, []any{1}, exporter.TimestampLocal, now)
	if err != nil {
		t.Fatalf("NewDocument Error %+v", err)
	}
	got := toBSON(doc)
	last := got[len(got)-1]
	if last.Key != exporter.FieldTime {
		t.Fatalf("last key=%s", last.Key)
	}
	at, ok := last.Value.(time.Time)
	if !ok {
		t.Fatalf("time value type %T, want time.Time", last.Value)
	}
	if !at.Equal(now.Truncate(time.Second)) {
		t.Fatalf("time got=%s want=%s", at, now.Truncate(time.Second))
	}

	// the raw document keeps the text form for the other backends
	if v, _ := doc.Get(exporter.FieldTime); v != now.Local().Truncate(time.Second).Format(exporter.LocalTimeLayout) {
		t.Fatalf("document time=%v", v)
	}
}

func TestClientOptionsAuthSource(t *testing.T) {
	e, err := NewMongoDBExporter(&MongoDBExporterConfig{
		Host: "cluster0.example.net", DB: "glances", SRV: true, User: "glances", Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewMongoDBExporter Error %+v", err)
	}
	opts := e.clientOptions()
	if opts.Auth == nil {
		t.Fatal("credentials not set")
	}
	if opts.Auth.AuthSource != "" {
		t.Fatalf("AuthSource must be left to the driver default got=%s", opts.Auth.AuthSource)
	}
	if opts.Auth.Username != "glances" || opts.Auth.Password != "secret" {
		t.Fatalf("credential Error %+v", opts.Auth)
	}

	e.config.AuthSource = "admin"
	if got := e.clientOptions().Auth.AuthSource; got != "admin" {
		t.Fatalf("AuthSource got=%s want=admin", got)
	}

	e.config.User = ""
	if e.clientOptions().Auth != nil {
		t.Fatal("credentials set without a user")
	}
}

func TestSetup(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("creates missing collection once", func(mt *mtest.T) {
		buf := captureLog(mt.T)
		e := newTestExporter(mt.T)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, listCollectionsNS, mtest.FirstBatch),
			mtest.CreateSuccessResponse(),
		)
		if err := e.setup(context.Background(), mt.Client); err != nil {
			mt.Fatalf("setup Error %+v", err)
		}
		if e.Collection() == nil || e.Collection().Name() != DefaultCollection {
			mt.Fatalf("collection Error %v", e.Collection())
		}
		// already initialized, no further commands reach the server
		if err := e.Initialize(context.Background()); err != nil {
			mt.Fatalf("Initialize Error %+v", err)
		}
		if n := strings.Count(buf.String(), "Created the glances.metrics collection"); n != 1 {
			mt.Fatalf("created %d times: %s", n, buf.String())
		}
	})

	mt.Run("reuses existing collection", func(mt *mtest.T) {
		buf := captureLog(mt.T)
		e := newTestExporter(mt.T)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, listCollectionsNS, mtest.FirstBatch, bson.D{{Key: "name", Value: DefaultCollection}}),
		)
		if err := e.setup(context.Background(), mt.Client); err != nil {
			mt.Fatalf("setup Error %+v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "There is already a glances.metrics collection") {
			mt.Fatalf("missing info log: %s", out)
		}
		if strings.Contains(out, "Created the") {
			mt.Fatalf("existing collection created again: %s", out)
		}
	})

	mt.Run("namespace exists on create", func(mt *mtest.T) {
		buf := captureLog(mt.T)
		e := newTestExporter(mt.T)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, listCollectionsNS, mtest.FirstBatch),
			mtest.CreateCommandErrorResponse(mtest.CommandError{
				Code:    codeNamespaceExists,
				Name:    "NamespaceExists",
				Message: "Collection glances.metrics already exists.",
			}),
		)
		if err := e.setup(context.Background(), mt.Client); err != nil {
			mt.Fatalf("setup Error %+v", err)
		}
		if e.Collection() == nil {
			mt.Fatal("collection not set")
		}
		if !strings.Contains(buf.String(), "There is already a glances.metrics collection") {
			mt.Fatalf("missing info log: %s", buf.String())
		}
	})

	mt.Run("list error falls back to create", func(mt *mtest.T) {
		buf := captureLog(mt.T)
		e := newTestExporter(mt.T)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 13, Name: "Unauthorized", Message: "not authorized"}),
			mtest.CreateSuccessResponse(),
		)
		if err := e.setup(context.Background(), mt.Client); err != nil {
			mt.Fatalf("setup Error %+v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "failed to check MongoDB collection") {
			mt.Fatalf("missing check error log: %s", out)
		}
		if !strings.Contains(out, "Created the glances.metrics collection") {
			mt.Fatalf("missing create log: %s", out)
		}
	})

	mt.Run("create error", func(mt *mtest.T) {
		captureLog(mt.T)
		e := newTestExporter(mt.T)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, listCollectionsNS, mtest.FirstBatch),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 13, Name: "Unauthorized", Message: "not authorized"}),
		)
		err := e.setup(context.Background(), mt.Client)
		if !errors.Is(err, exporter.ErrCreateDatabase) {
			mt.Fatalf("expected ErrCreateDatabase got %v", err)
		}
		if e.Collection() != nil {
			mt.Fatal("collection set after a failed setup")
		}
	})

	mt.Run("ping error", func(mt *mtest.T) {
		captureLog(mt.T)
		e := newTestExporter(mt.T)
		mt.AddMockResponses(
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 18, Name: "AuthenticationFailed", Message: "auth failed"}),
		)
		if err := e.setup(context.Background(), mt.Client); !errors.Is(err, exporter.ErrConnect) {
			mt.Fatalf("expected ErrConnect got %v", err)
		}
	})
}

func TestExportInsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	setup := func(mt *mtest.T, e *MongoDBExporter) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, listCollectionsNS, mtest.FirstBatch, bson.D{{Key: "name", Value: DefaultCollection}}),
		)
		if err := e.setup(context.Background(), mt.Client); err != nil {
			mt.Fatalf("setup Error %+v", err)
		}
	}

	mt.Run("insert", func(mt *mtest.T) {
		buf := captureLog(mt.T)
		e := newTestExporter(mt.T)
		setup(mt, e)
		buf.Reset()

		mt.AddMockResponses(mtest.CreateSuccessResponse())
		e.Export(context.Background(), "cpu", []string{"user", "system"}, []any{1.5, 2})
		if buf.Len() != 0 {
			mt.Fatalf("unexpected log: %s", buf.String())
		}
	})

	mt.Run("write error logged once", func(mt *mtest.T) {
		buf := captureLog(mt.T)
		e := newTestExporter(mt.T)
		setup(mt, e)
		buf.Reset()

		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))
		e.Export(context.Background(), "diskio", []string{"read_bytes"}, []any{1024})
		out := buf.String()
		if n := strings.Count(out, "\n"); n != 1 {
			mt.Fatalf("expected one log entry got %d: %s", n, out)
		}
		if !strings.Contains(out, "diskio") {
			mt.Fatalf("log entry does not name the plugin: %s", out)
		}
	})
}
