package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"syscall"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/plantvit/internal/tensor"
)

// DType is a safetensors element type.
type DType string

const (
	DTypeF32  DType = "F32"
	DTypeF16  DType = "F16"
	DTypeBF16 DType = "BF16"
	DTypeF64  DType = "F64"
	DTypeI64  DType = "I64"
)

func (d DType) Size() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeF64, DTypeI64:
		return 8
	default:
		return 0
	}
}

const (
	metadataKey     = "__metadata__"
	maxHeaderLength = 100 << 20
)

// TensorInfo describes one tensor in a safetensors file.
type TensorInfo struct {
	Name    string
	DType   DType
	Shape   []int
	Offsets [2]int64 // relative to the end of the header
	Data    []byte   // slice of the mapped file
}

func (t *TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t *TensorInfo) SizeBytes() int64 {
	return int64(t.NumElements() * t.DType.Size())
}

// SafetensorsFile is a read-only memory map of a .safetensors file.
type SafetensorsFile struct {
	Metadata map[string]string
	Tensors  []*TensorInfo
	data     []byte
	index    map[string]*TensorInfo
}

type headerEntry struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// OpenSafetensors maps path into memory and parses its header.
func OpenSafetensors(path string) (*SafetensorsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 8 {
		return nil, ErrInvalidHeader{Reason: "file shorter than length prefix"}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	st, err := parseSafetensors(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	return st, nil
}

func parseSafetensors(data []byte) (*SafetensorsFile, error) {
	if len(data) < 8 {
		return nil, ErrInvalidHeader{Reason: "file shorter than length prefix"}
	}
	n := binary.LittleEndian.Uint64(data)
	if n > maxHeaderLength || 8+n > uint64(len(data)) {
		return nil, ErrInvalidHeader{Reason: fmt.Sprintf("header length %d exceeds file size %d", n, len(data))}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, ErrInvalidHeader{Reason: err.Error()}
	}

	st := &SafetensorsFile{data: data, index: make(map[string]*TensorInfo, len(raw))}
	body := data[8+n:]
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &st.Metadata); err != nil {
				return nil, ErrInvalidHeader{Reason: fmt.Sprintf("metadata: %v", err)}
			}
			continue
		}
		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, ErrInvalidHeader{Reason: fmt.Sprintf("%s: %v", name, err)}
		}
		if !validShape(e.Shape, int64(len(body))) {
			return nil, ErrInvalidHeader{Reason: fmt.Sprintf("%s: shape %v is negative or larger than the data", name, e.Shape)}
		}
		ti := &TensorInfo{Name: name, DType: e.DType, Shape: e.Shape, Offsets: e.DataOffsets}
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, ErrInvalidHeader{Reason: fmt.Sprintf("%s: offsets [%d, %d) outside data of %d bytes", name, begin, end, len(body))}
		}
		if ti.DType.Size() != 0 && end-begin != ti.SizeBytes() {
			return nil, ErrInvalidHeader{Reason: fmt.Sprintf("%s: %d bytes for %s%v", name, end-begin, ti.DType, ti.Shape)}
		}
		ti.Data = body[begin:end]
		st.Tensors = append(st.Tensors, ti)
		st.index[name] = ti
	}
	sort.Slice(st.Tensors, func(i, j int) bool { return st.Tensors[i].Offsets[0] < st.Tensors[j].Offsets[0] })
	return st, nil
}

// validShape rejects negative dims and element counts above limit, checking
// before each multiply so the product cannot overflow.
func validShape(shape []int, limit int64) bool {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return false
		}
		if d == 0 {
			return true
		}
		if n > limit/int64(d) {
			return false
		}
		n *= int64(d)
	}
	return true
}

func (s *SafetensorsFile) Close() error {
	if s.data == nil {
		return nil
	}
	err := syscall.Munmap(s.data)
	s.data = nil
	return err
}

// Tensor decodes name into a new float32 tensor.
func (s *SafetensorsFile) Tensor(name string) (*tensor.Tensor, error) {
	ti, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	return ti.Decode()
}

// StateDict decodes every tensor.
func (s *SafetensorsFile) StateDict() (map[string]*tensor.Tensor, error) {
	sd := make(map[string]*tensor.Tensor, len(s.Tensors))
	for _, ti := range s.Tensors {
		t, err := ti.Decode()
		if err != nil {
			return nil, err
		}
		sd[ti.Name] = t
	}
	return sd, nil
}

// Decode converts the raw little-endian payload to float32.
func (t *TensorInfo) Decode() (*tensor.Tensor, error) {
	n := t.NumElements()
	out := make([]float32, n)
	b := t.Data
	switch t.DType {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case DTypeBF16:
		copy(out, bfloat16.DecodeFloat32(b[:2*n]))
	case DTypeF64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])))
		}
	case DTypeI64:
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(b[8*i:])))
		}
	default:
		return nil, ErrUnsupportedDType{Name: t.Name, DType: string(t.DType)}
	}
	return tensor.FromSlice(out, t.Shape...)
}
