package datasets

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// ImageKeys are the array names accepted for images, in lookup order.
var ImageKeys = []string{"data", "images"}

// MaskKey is the array name holding the ground-truth masks.
const MaskKey = "masks"

// Array is a decoded .npy array converted to float32.
type Array struct {
	Shape []int
	Data  []float32
}

// LoadNPZ reads a compressed array archive with a samples×H×W image array
// (named "data" or "images") and a matching "masks" array.
func LoadNPZ(filename string) (*InMemory, error) {
	arrays, err := ReadNPZ(filename)
	if err != nil {
		return nil, err
	}
	var images *Array
	for _, k := range ImageKeys {
		if a, ok := arrays[k]; ok {
			images = a
			break
		}
	}
	if images == nil {
		return nil, errors.Errorf("%s: no image array (tried %v)", filename, ImageKeys)
	}
	masks, ok := arrays[MaskKey]
	if !ok {
		return nil, errors.Errorf("%s: no %q array", filename, MaskKey)
	}
	return FromArrays(images, masks)
}

// FromArrays splits samples×H×W arrays into Samples.
func FromArrays(images, masks *Array) (*InMemory, error) {
	if len(images.Shape) != 3 || len(masks.Shape) != 3 {
		return nil, errors.Wrapf(ErrInvalidInputShape, "expected rank-3 arrays, got %v and %v", images.Shape, masks.Shape)
	}
	for i := range images.Shape {
		if images.Shape[i] != masks.Shape[i] {
			return nil, errors.Wrapf(ErrInvalidInputShape, "images %v vs masks %v", images.Shape, masks.Shape)
		}
	}
	n, h, w := images.Shape[0], images.Shape[1], images.Shape[2]
	samples := make([]Sample, n)
	for i := 0; i < n; i++ {
		lo, hi := i*h*w, (i+1)*h*w
		samples[i] = Sample{
			Image: Grid{H: h, W: w, Data: images.Data[lo:hi]},
			Mask:  Grid{H: h, W: w, Data: masks.Data[lo:hi]},
		}
	}
	return NewInMemory(samples)
}

// ReadNPZ decodes every .npy member of the archive, keyed by name without
// the extension.
func ReadNPZ(filename string) (map[string]*Array, error) {
	r, err := zip.OpenReader(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open npz %s", filename)
	}
	defer r.Close()

	out := make(map[string]*Array, len(r.File))
	for _, f := range r.File {
		if path.Ext(f.Name) != ".npy" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "open member %s", f.Name)
		}
		arr, err := ReadNPY(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "decode member %s", f.Name)
		}
		out[strings.TrimSuffix(f.Name, ".npy")] = arr
	}
	return out, nil
}

var npyMagic = []byte("\x93NUMPY")

// ReadNPY decodes a single .npy stream. Supported dtypes: little-endian
// f4, f8, i4, i8 and the byte types u1, b1; C order only.
func ReadNPY(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	if string(magic[:len(npyMagic)]) != string(npyMagic) {
		return nil, errors.New("not a npy stream")
	}
	var headerLen int
	switch major := magic[len(npyMagic)]; major {
	case 1:
		var l uint16
		if err := binary.Read(br, binary.LittleEndian, &l); err != nil {
			return nil, errors.Wrap(err, "read header length")
		}
		headerLen = int(l)
	case 2, 3:
		var l uint32
		if err := binary.Read(br, binary.LittleEndian, &l); err != nil {
			return nil, errors.Wrap(err, "read header length")
		}
		headerLen = int(l)
	default:
		return nil, errors.Errorf("unsupported npy version %d", major)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	descr, fortran, shape, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}
	if fortran {
		return nil, errors.New("fortran-ordered arrays are not supported")
	}
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	data, err := decodeNPYData(br, descr, n)
	if err != nil {
		return nil, err
	}
	return &Array{Shape: shape, Data: data}, nil
}

// MaxNPYElements bounds the element count a header may declare, so a
// corrupt header cannot trigger a huge allocation.
const MaxNPYElements = 1 << 28

func elementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, errors.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		if d > MaxNPYElements/n {
			return 0, errors.Errorf("shape %v exceeds %d elements", shape, MaxNPYElements)
		}
		n *= d
	}
	return n, nil
}

func decodeNPYData(r io.Reader, descr string, n int) ([]float32, error) {
	out := make([]float32, n)
	switch descr {
	case "<f4":
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "read f4 data")
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case "<f8":
		buf := make([]byte, 8*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "read f8 data")
		}
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:])))
		}
	case "<i4":
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "read i4 data")
		}
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	case "<i8":
		buf := make([]byte, 8*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "read i8 data")
		}
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(buf[8*i:])))
		}
	case "|u1", "|b1":
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "read byte data")
		}
		for i := range out {
			out[i] = float32(buf[i])
		}
	default:
		return nil, errors.Errorf("unsupported dtype %q", descr)
	}
	return out, nil
}

// parseNPYHeader reads the python dict literal of a .npy header, e.g.
// {'descr': '<f4', 'fortran_order': False, 'shape': (3, 64, 64), }
func parseNPYHeader(h string) (descr string, fortran bool, shape []int, err error) {
	field := func(key string) (string, bool) {
		i := strings.Index(h, "'"+key+"'")
		if i < 0 {
			return "", false
		}
		rest := h[i+len(key)+2:]
		j := strings.Index(rest, ":")
		if j < 0 {
			return "", false
		}
		return strings.TrimSpace(rest[j+1:]), true
	}

	v, ok := field("descr")
	if !ok || len(v) < 2 {
		return "", false, nil, errors.Errorf("npy header without descr: %q", h)
	}
	end := strings.IndexByte(v[1:], v[0])
	if end < 0 {
		return "", false, nil, errors.Errorf("bad descr in %q", h)
	}
	descr = v[1 : end+1]

	if v, ok := field("fortran_order"); ok {
		fortran = strings.HasPrefix(v, "True")
	}

	v, ok = field("shape")
	if !ok || !strings.HasPrefix(v, "(") {
		return "", false, nil, errors.Errorf("npy header without shape: %q", h)
	}
	closing := strings.IndexByte(v, ')')
	if closing < 0 {
		return "", false, nil, errors.Errorf("bad shape in %q", h)
	}
	for _, part := range strings.Split(v[1:closing], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, convErr := strconv.Atoi(part)
		if convErr != nil {
			return "", false, nil, errors.Wrapf(convErr, "shape entry %q", part)
		}
		shape = append(shape, d)
	}
	return descr, fortran, shape, nil
}
