// Package runner assembles the pieces a command needs from a Config: the
// prepared dataset, the network of the configured variant and the metrics
// sinks.
package runner

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajoshiusc/QRSegment/config"
	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/metrics"
	"github.com/ajoshiusc/QRSegment/qrnet"
	"github.com/ajoshiusc/QRSegment/train"
)

// LoadData reads the archive named by cfg, the first one in the directory
// it names, or the first one found in the default locations, and
// downscales and normalizes it.
func LoadData(cfg config.DataConfig, logger *zap.Logger) (*datasets.InMemory, error) {
	path := cfg.Path
	var err error
	switch {
	case path == "":
		path, err = datasets.AutoFindNPZ(datasets.DefaultNPZPatterns)
	case isDir(path):
		path, err = datasets.FindNPZInDir(path)
	}
	if err != nil {
		return nil, err
	}
	raw, err := datasets.LoadNPZ(path)
	if err != nil {
		return nil, err
	}
	ds, err := datasets.Prepare(raw, cfg.Scale, cfg.Normalize)
	if err != nil {
		return nil, err
	}
	h, w := ds.Shape()
	logger.Info("dataset loaded",
		zap.String("path", path),
		zap.Int("samples", ds.Len()),
		zap.Int("height", h),
		zap.Int("width", w),
		zap.Float64("scale", cfg.Scale))
	return ds, nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Net is a built network together with its training objective.
type Net struct {
	Variant   string
	Net       qrnet.QuantileNet
	Objective train.Objective
	close     func()
}

// Close releases backend resources held by the network.
func (n *Net) Close() {
	if n.close != nil {
		n.close()
	}
}

// BuildNet builds a fresh network of the given variant.
func BuildNet(cfg config.Config, variant string) (*Net, error) {
	levels, err := cfg.Levels()
	if err != nil {
		return nil, err
	}
	switch variant {
	case train.Deterministic:
		var (
			bb      qrnet.Backbone
			release func()
		)
		if cfg.Model.GraphBackbone {
			g, err := qrnet.NewGraphBackbone(cfg.Model.Backbone, len(levels))
			if err != nil {
				return nil, err
			}
			bb, release = g, g.Close
		} else {
			bb = qrnet.NewMLPBackbone(cfg.Model.Backbone, len(levels))
		}
		net, err := qrnet.NewMultiHead(bb, levels, cfg.Model.AMP)
		if err != nil {
			if release != nil {
				release()
			}
			return nil, err
		}
		return &Net{Variant: variant, Net: net, Objective: train.NewMultiHeadObjective(net), close: release}, nil
	case train.Probabilistic:
		net, err := qrnet.NewProbNet(cfg.Model.Prob, levels, cfg.Model.AMP)
		if err != nil {
			return nil, err
		}
		return &Net{Variant: variant, Net: net, Objective: train.NewProbObjective(net, cfg.Train.RegWeight)}, nil
	}
	return nil, errors.Errorf("unknown variant %q", variant)
}

// Sinks is the metrics fan-out of a run.
type Sinks struct {
	metrics.Sink
	// RunID is the id of the SQLite run, empty without a database.
	RunID  string
	server *http.Server
}

// OpenSinks always logs metrics, stores them in SQLite when a database is
// configured and exposes them on /metrics when an address is configured.
func OpenSinks(cfg config.MetricsConfig, variant string, logger *zap.Logger) (*Sinks, error) {
	out := &Sinks{}
	sinks := []metrics.Sink{metrics.LogSink{Logger: logger}}
	if cfg.SQLitePath != "" {
		db, err := metrics.OpenSQLite(cfg.SQLitePath, variant)
		if err != nil {
			return nil, err
		}
		out.RunID = db.RunID()
		sinks = append(sinks, db)
		logger.Info("recording metrics", zap.String("db", cfg.SQLitePath), zap.String("run_id", out.RunID))
	}
	if cfg.PrometheusAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := metrics.NewPromSink(reg)
		if err != nil {
			metrics.Multi(sinks...).Close()
			return nil, err
		}
		sinks = append(sinks, prom)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		out.server = &http.Server{Addr: cfg.PrometheusAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := out.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.PrometheusAddr))
	}
	out.Sink = metrics.Multi(sinks...)
	return out, nil
}

// Close stops the metrics server and closes every sink.
func (s *Sinks) Close() error {
	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}
	if cerr := s.Sink.Close(); err == nil {
		err = cerr
	}
	return err
}
