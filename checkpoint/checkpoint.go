// Package checkpoint persists network parameters as a versioned mapping
// from parameter name to tensor: gob encoded, zstd compressed, written
// atomically so an existing checkpoint is never truncated by a failed save.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/ajoshiusc/QRSegment/qrnet"
)

// ErrCheckpointIO wraps every failure to write, read or apply a checkpoint.
var ErrCheckpointIO = errors.New("checkpoint I/O")

// Version is incremented when the on-disk format changes.
const Version = 2

// Ext is the checkpoint file extension.
const Ext = ".ckpt"

// Tensor is one named parameter.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// State is the serialized form of a run's parameters.
type State struct {
	Version   int
	Epoch     int
	Variant   string
	RunID     string
	CreatedAt int64 // unix seconds
	// Split is the train/validation split the run trained with.
	Split  Split
	Params []Tensor
}

// Split records how the samples were divided so an evaluation can rebuild
// the same validation set.
type Split struct {
	ValPercent float64
	Seed       int64
}

// FromParams copies the parameters of ps into a State.
func FromParams(ps *qrnet.ParamSet, variant string, epoch int, runID string) *State {
	st := &State{
		Version:   Version,
		Epoch:     epoch,
		Variant:   variant,
		RunID:     runID,
		CreatedAt: time.Now().Unix(),
	}
	for _, p := range ps.All() {
		st.Params = append(st.Params, Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		})
	}
	return st
}

// Apply copies the tensors of st into ps. Every parameter of ps must be
// present with the same shape; extra tensors are an error too.
func Apply(st *State, ps *qrnet.ParamSet) error {
	if len(st.Params) != len(ps.All()) {
		return errors.Wrapf(ErrCheckpointIO, "checkpoint has %d tensors, network has %d parameters",
			len(st.Params), len(ps.All()))
	}
	for _, t := range st.Params {
		p, ok := ps.Get(t.Name)
		if !ok {
			return errors.Wrapf(ErrCheckpointIO, "unknown parameter %q", t.Name)
		}
		if !sameShape(p.Shape, t.Shape) || len(t.Data) != len(p.Data) {
			return errors.Wrapf(ErrCheckpointIO, "parameter %q has shape %v, checkpoint %v", t.Name, p.Shape, t.Shape)
		}
	}
	for _, t := range st.Params {
		p, _ := ps.Get(t.Name)
		copy(p.Data, t.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EpochPath is the checkpoint written after epoch n (1-based).
func EpochPath(dir string, n int) string {
	return filepath.Join(dir, "checkpoint_epoch"+strconv.Itoa(n)+Ext)
}

// InterruptedPath is the checkpoint written when a run is cancelled.
func InterruptedPath(dir string) string { return filepath.Join(dir, "INTERRUPTED"+Ext) }

// FinalPath holds the parameters at the end of a completed run.
func FinalPath(dir string) string { return filepath.Join(dir, "final"+Ext) }

// WarmupPath holds the parameters at the end of the warm-up phase.
func WarmupPath(dir string) string { return filepath.Join(dir, "warmup"+Ext) }

// Save writes st to path through a temp file in the same directory and
// renames it into place.
func Save(path string, st *State) (err error) {
	if path == "" {
		return errors.Wrap(ErrCheckpointIO, "empty checkpoint path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(ErrCheckpointIO, "mkdir %s: %v", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrapf(ErrCheckpointIO, "create temp file: %v", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return errors.Wrapf(ErrCheckpointIO, "zstd writer: %v", err)
	}
	if err := gob.NewEncoder(zw).Encode(st); err != nil {
		zw.Close()
		return errors.Wrapf(ErrCheckpointIO, "encode %s: %v", path, err)
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(ErrCheckpointIO, "flush %s: %v", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(ErrCheckpointIO, "sync %s: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(ErrCheckpointIO, "close %s: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(ErrCheckpointIO, "rename to %s: %v", path, err)
	}
	return nil
}

// Load reads and validates the checkpoint at path.
func Load(path string) (*State, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "open %s: %v", path, err)
	}
	defer fh.Close()
	zr, err := zstd.NewReader(fh)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "zstd reader %s: %v", path, err)
	}
	defer zr.Close()

	var st State
	if err := gob.NewDecoder(zr).Decode(&st); err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "decode %s: %v", path, err)
	}
	if st.Version != Version {
		return nil, errors.Wrapf(ErrCheckpointIO, "%s has format version %d, expected %d", path, st.Version, Version)
	}
	return &st, nil
}

// Restore loads path into ps and returns the stored state.
func Restore(path string, ps *qrnet.ParamSet) (*State, error) {
	st, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := Apply(st, ps); err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return st, nil
}
