package main

import (
	"github.com/masa23/couchreport"
	"github.com/masa23/couchreport/internal/exporter"
	"github.com/masa23/couchreport/internal/exporter/couchdb"
	"github.com/masa23/couchreport/internal/exporter/mongodb"
)

// newExporter builds the exporter of the configured driver.
// Timestamp modes were validated by ConfigLoad.
func newExporter(conf *couchreport.Config) (exporter.Exporter, error) {
	switch conf.Driver {
	case couchreport.DriverMongoDB:
		c := conf.MongoDB
		mode, err := exporter.ParseTimestampMode(c.Timestamp)
		if err != nil {
			return nil, err
		}
		e, err := mongodb.NewMongoDBExporter(&mongodb.MongoDBExporterConfig{
			Host:       c.Host,
			Port:       c.Port,
			DB:         c.DB,
			Collection: c.Collection,
			User:       c.User,
			Password:   c.Password,
			AuthSource: c.AuthSource,
			SRV:        c.SRV,
			Timestamp:  mode,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		c := conf.CouchDB
		mode, err := exporter.ParseTimestampMode(c.Timestamp)
		if err != nil {
			return nil, err
		}
		e, err := couchdb.NewCouchDBExporter(&couchdb.CouchDBExporterConfig{
			Host:      c.Host,
			Port:      c.Port,
			DB:        c.DB,
			User:      c.User,
			Password:  c.Password,
			Cloudant:  c.Cloudant,
			Timestamp: mode,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}
