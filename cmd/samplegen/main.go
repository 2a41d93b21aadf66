package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type OutputFormat string

const (
	OutputFormatLTSV OutputFormat = "ltsv"
	OutputFormatJSON OutputFormat = "json"
)

func main() {
	path := flag.String("path", "samples.log", "output file path")
	format := flag.String("format", "json", "format ltsv or json")
	duration := flag.String("duration", "1m", "duration")
	samplesPerSec := flag.Int("samples-per-sec", 3, "sample count per second")
	append := flag.Bool("append", false, "append samples")
	flag.Parse()

	var outputFormat OutputFormat
	switch *format {
	case string(OutputFormatLTSV):
		outputFormat = OutputFormatLTSV
	case string(OutputFormatJSON):
		outputFormat = OutputFormatJSON
	default:
		log.Fatal("invalid format ", *format)
	}

	d, err := time.ParseDuration(*duration)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(*path, outputFormat, d, *samplesPerSec, *append); err != nil {
		log.Fatal(err)
	}
}

func run(path string, format OutputFormat, duration time.Duration, samplesPerSec int, append bool) error {
	var f *os.File
	var err error
	if append {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	} else {
		f, err = os.Create(path)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	return generate(ctx, f, format, rate.NewLimiter(rate.Limit(samplesPerSec), 1))
}

// generate writes one sample per limiter token, cycling through the plugins,
// until ctx is done.
func generate(ctx context.Context, w io.Writer, format OutputFormat, limiter *rate.Limiter) error {
	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			if _, ok := ctx.Deadline(); ok {
				return nil
			}
			return err
		}
		s := newSample(plugins[i%len(plugins)])
		var b []byte
		switch format {
		case OutputFormatLTSV:
			b = s.LTSV()
		default:
			b = s.JSON()
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
}

// Sample is the line format read by couchreport.
type Sample struct {
	Name    string    `json:"name"`
	Columns []string  `json:"columns"`
	Points  []float64 `json:"points"`
}

type plugin struct {
	name    string
	columns []string
	max     float64
}

var plugins = []plugin{
	{name: "cpu", columns: []string{"total", "user", "system", "idle", "iowait"}, max: 100},
	{name: "mem", columns: []string{"percent", "total", "used", "free"}, max: 16 * 1024 * 1024 * 1024},
	{name: "load", columns: []string{"min1", "min5", "min15", "cpucore"}, max: 8},
}

func newSample(p plugin) *Sample {
	s := &Sample{Name: p.name, Columns: p.columns, Points: make([]float64, len(p.columns))}
	for i := range p.columns {
		// two decimals, the way the monitoring plugins round their values
		s.Points[i] = float64(int64(rand.Float64()*p.max*100)) / 100
	}
	return s
}

func (s *Sample) JSON() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return append(b, '\n')
}

func (s *Sample) LTSV() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "name:%s", s.Name)
	for i, c := range s.Columns {
		b.WriteString("\t")
		b.WriteString(c)
		b.WriteString(":")
		b.WriteString(strconv.FormatFloat(s.Points[i], 'f', -1, 64))
	}
	b.WriteString("\n")
	return []byte(b.String())
}
