// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/medgate/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ManifestKey      = "manifest.json"
	DefaultBatchSize = 1000
)

// Segment is one archived run of consecutive ledger records
type Segment struct {
	Key    string `json:"key"`
	First  uint64 `json:"first"`
	Last   uint64 `json:"last"`
	Sealed bool   `json:"sealed"`
}

// Manifest lists every segment in sequence order and the head they reach
type Manifest struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Ref       string    `json:"ref"`
	Segments  []Segment `json:"segments"`
	Sequence  uint64    `json:"sequence"`
}

type ExporterConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Sink         Sink
	Source       ledger.Replayer
	// Sealer encrypts segments when set
	Sealer    *Sealer
	Clock     func() time.Time
	BatchSize int
}

// Exporter copies records the archive does not have yet
type Exporter struct {
	config  ExporterConfig
	metrics exporterMetrics
	mu      sync.Mutex
}

type exporterMetrics struct {
	records  prometheus.Counter
	failures prometheus.Counter
	sequence prometheus.Gauge
}

func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Sink == nil {
		return nil, errors.New("archive: sink not set")
	}
	if cfg.Source == nil {
		return nil, errors.New("archive: ledger source not set")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	e := &Exporter{config: cfg}
	e.metrics.init(cfg.PromRegistry)
	return e, nil
}

func (m *exporterMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.records = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "medgate_archive_records_total",
		Help: "ledger records written to the archive",
	})
	m.failures = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "medgate_archive_failures_total",
		Help: "failed archive export runs",
	})
	m.sequence = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "medgate_archive_sequence",
		Help: "highest ledger sequence in the archive",
	})
}

// ReadManifest returns the stored manifest, or an empty one for a new archive
func ReadManifest(ctx context.Context, sink Sink) (Manifest, error) {
	var ret Manifest
	data, err := sink.Get(ctx, ManifestKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ret, nil
		}
		return ret, err
	}
	if err := json.Unmarshal(data, &ret); err != nil {
		return ret, fmt.Errorf("archive: decode manifest: %w", err)
	}
	return ret, nil
}

// Export writes every record after the archived head as new segments and
// returns the updated manifest with the number of records written
func (e *Exporter) Export(ctx context.Context) (Manifest, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	manifest, count, err := e.export(ctx)
	if err != nil {
		e.metrics.failures.Inc()
	}
	return manifest, count, err
}

func (e *Exporter) export(ctx context.Context) (Manifest, int, error) {
	manifest, err := ReadManifest(ctx, e.config.Sink)
	if err != nil {
		return manifest, 0, err
	}
	var total int
	for {
		records, err := e.config.Source.Entries(ctx, manifest.Sequence, e.config.BatchSize)
		if err != nil {
			return manifest, total, fmt.Errorf("archive: read ledger: %w", err)
		}
		if len(records) == 0 {
			break
		}
		// The archive must extend the chain it already holds
		if err := ledger.VerifyChain(manifest.Ref, records); err != nil {
			return manifest, total, fmt.Errorf("archive: %w", err)
		}
		seg, err := e.writeSegment(ctx, records)
		if err != nil {
			return manifest, total, err
		}
		last := records[len(records)-1].Confirmation
		manifest.Segments = append(manifest.Segments, seg)
		manifest.Sequence = last.Sequence
		manifest.Ref = last.Ref
		manifest.UpdatedAt = e.config.Clock().UTC()
		// The manifest is written after each segment so a failed run
		// resumes where it stopped
		if err := e.writeManifest(ctx, manifest); err != nil {
			return manifest, total, err
		}
		total += len(records)
		e.metrics.records.Add(float64(len(records)))
		e.metrics.sequence.Set(float64(manifest.Sequence))
		if len(records) < e.config.BatchSize {
			break
		}
	}
	if total > 0 {
		e.config.Logger.Info(
			fmt.Sprintf("archived %d ledger record(s)", total),
			"component", "archive",
			"sequence", manifest.Sequence,
		)
	}
	return manifest, total, nil
}

func (e *Exporter) writeSegment(ctx context.Context, records []ledger.Record) (Segment, error) {
	seg := Segment{
		First:  records[0].Confirmation.Sequence,
		Last:   records[len(records)-1].Confirmation.Sequence,
		Sealed: e.config.Sealer != nil,
	}
	seg.Key = fmt.Sprintf("segments/%020d-%020d.cbor", seg.First, seg.Last)
	data, err := ledger.Marshal(records)
	if err != nil {
		return seg, fmt.Errorf("archive: encode segment: %w", err)
	}
	if seg.Sealed {
		seg.Key += ".sops"
		data, err = e.config.Sealer.Seal(data)
		if err != nil {
			return seg, fmt.Errorf("archive: seal segment: %w", err)
		}
	}
	if err := e.config.Sink.Put(ctx, seg.Key, data); err != nil {
		return seg, err
	}
	return seg, nil
}

func (e *Exporter) writeManifest(ctx context.Context, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return e.config.Sink.Put(ctx, ManifestKey, data)
}

// Run exports on every tick until ctx is done. Failures are logged and
// retried on the next tick.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := e.Export(ctx); err != nil && ctx.Err() == nil {
				e.config.Logger.Error(
					"archive export failed",
					"component", "archive",
					"error", err,
				)
			}
		}
	}
}

// Restore reads every archived record and checks that together they form
// one unbroken chain
func Restore(ctx context.Context, sink Sink) ([]ledger.Record, error) {
	manifest, err := ReadManifest(ctx, sink)
	if err != nil {
		return nil, err
	}
	var ret []ledger.Record
	for _, seg := range manifest.Segments {
		data, err := sink.Get(ctx, seg.Key)
		if err != nil {
			return nil, fmt.Errorf("archive: read segment %s: %w", seg.Key, err)
		}
		if seg.Sealed {
			data, err = Open(data)
			if err != nil {
				return nil, fmt.Errorf("archive: open segment %s: %w", seg.Key, err)
			}
		}
		var records []ledger.Record
		if err := ledger.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("archive: decode segment %s: %w", seg.Key, err)
		}
		if len(records) == 0 ||
			records[0].Confirmation.Sequence != seg.First ||
			records[len(records)-1].Confirmation.Sequence != seg.Last {
			return nil, fmt.Errorf(
				"archive: segment %s does not cover %d-%d",
				seg.Key,
				seg.First,
				seg.Last,
			)
		}
		ret = append(ret, records...)
	}
	if err := ledger.VerifyChain("", ret); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if n := len(ret); n > 0 && ret[n-1].Confirmation.Ref != manifest.Ref {
		return nil, fmt.Errorf(
			"archive: %w: manifest head %s does not match last record",
			ledger.ErrChainBroken,
			manifest.Ref,
		)
	}
	return ret, nil
}
