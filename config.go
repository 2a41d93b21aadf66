package couchreport

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/masa23/couchreport/internal/exporter"
	"gopkg.in/yaml.v2"
)

// Export drivers
const (
	DriverCouchDB = "couchdb"
	DriverMongoDB = "mongodb"
)

// Sample formats
const (
	SampleFormatJSON = "json"
	SampleFormatLTSV = "ltsv"
)

const defaultSampleBufferSize = 64 * 1024

// Config is confiure struct
type Config struct {
	Debug            bool                `yaml:"Debug"`
	ErrorLogFile     string              `yaml:"ErrorLogFile"`
	SampleFile       string              `yaml:"SampleFile"`
	PosFile          string              `yaml:"PosFile"`
	SampleFormat     string              `yaml:"SampleFormat"`
	SampleBufferSize int                 `yaml:"SampleBufferSize"`
	Driver           string              `yaml:"Driver"`
	CouchDB          ConfigCouchDB       `yaml:"couchdb"`
	MongoDB          ConfigMongoDB       `yaml:"mongodb"`
	OpenTelemetry    ConfigOpenTelemetry `yaml:"OpenTelemetry"`
}

// ConfigCouchDB is the couchdb section. host, port and db are mandatory,
// they are checked when the exporter is created.
type ConfigCouchDB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Cloudant bool   `yaml:"cloudant"`
	// "utc" or empty for local time
	Timestamp string `yaml:"timestamp"`
}

type ConfigMongoDB struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	DB         string `yaml:"db"`
	Collection string `yaml:"collection"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	AuthSource string `yaml:"authsource"`
	SRV        bool   `yaml:"srv"`
	Timestamp  string `yaml:"timestamp"`
}

type ConfigOpenTelemetry struct {
	Enabled bool                   `yaml:"Enabled"`
	URL     string                 `yaml:"URL"`
	TLS     ConfigOpenTelemetryTLS `yaml:"TLS"`
}

type ConfigOpenTelemetryTLS struct {
	Insecure             bool   `yaml:"Insecure"`
	CACertificate        string `yaml:"CACertificate"`
	ClientCertificate    string `yaml:"ClientCertificate"`
	ClientCertificateKey string `yaml:"ClientCertificateKey"`
}

// ConfigLoad is loading yaml config
func ConfigLoad(file string) (*Config, error) {
	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	buf, err := ioutil.ReadAll(fd)
	if err != nil {
		return nil, err
	}
	return ConfigParse(buf)
}

// ConfigParse applies defaults and validates the enumerated settings.
func ConfigParse(buf []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}
	if conf.Driver == "" {
		conf.Driver = DriverCouchDB
	}
	if conf.SampleFormat == "" {
		conf.SampleFormat = SampleFormatJSON
	}
	if conf.PosFile == "" && conf.SampleFile != "" {
		conf.PosFile = conf.SampleFile + ".pos"
	}
	if conf.SampleBufferSize <= 0 {
		conf.SampleBufferSize = defaultSampleBufferSize
	}

	switch conf.Driver {
	case DriverCouchDB:
		if _, err := exporter.ParseTimestampMode(conf.CouchDB.Timestamp); err != nil {
			return nil, fmt.Errorf("couchdb: %w", err)
		}
	case DriverMongoDB:
		if _, err := exporter.ParseTimestampMode(conf.MongoDB.Timestamp); err != nil {
			return nil, fmt.Errorf("mongodb: %w", err)
		}
	default:
		return nil, fmt.Errorf("driver %s is unsupported", conf.Driver)
	}
	if !isValidSampleFormat(conf.SampleFormat) {
		return nil, fmt.Errorf("sample format %s is unsupported", conf.SampleFormat)
	}
	if conf.SampleFile == "" {
		return nil, fmt.Errorf("SampleFile is not set")
	}
	if conf.OpenTelemetry.Enabled && conf.OpenTelemetry.URL == "" {
		return nil, fmt.Errorf("OpenTelemetry.URL is not set")
	}
	return &conf, nil
}

func isValidSampleFormat(str string) bool {
	return str == SampleFormatJSON || str == SampleFormatLTSV
}
