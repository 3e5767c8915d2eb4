package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/plantvit/internal/tensor"
)

// WriteSafetensors encodes sd in the given dtype (F32, F16 or BF16). Tensors
// are laid out in sorted key order. metadata may be nil.
func WriteSafetensors(w io.Writer, sd map[string]*tensor.Tensor, dtype DType, metadata map[string]string) error {
	switch dtype {
	case DTypeF32, DTypeF16, DTypeBF16:
	default:
		return ErrUnsupportedDType{Name: "*", DType: string(dtype)}
	}

	names := make([]string, 0, len(sd))
	for k := range sd {
		names = append(names, k)
	}
	sort.Strings(names)

	header := make(map[string]any, len(sd)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := sd[name]
		size := int64(t.Len() * dtype.Size())
		shape := t.Shape()
		if shape == nil {
			shape = []int{}
		}
		header[name] = headerEntry{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	if pad := (8 - len(hdr)%8) % 8; pad > 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return err
	}
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, name := range names {
		data := sd[name].Data()
		switch dtype {
		case DTypeF32:
			for _, v := range data {
				binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
				if _, err := bw.Write(buf[:4]); err != nil {
					return err
				}
			}
		case DTypeF16:
			for _, v := range data {
				binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
				if _, err := bw.Write(buf[:2]); err != nil {
					return err
				}
			}
		case DTypeBF16:
			if _, err := bw.Write(bfloat16.EncodeFloat32(data)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// SaveSafetensors writes sd to path, replacing any existing file.
func SaveSafetensors(path string, sd map[string]*tensor.Tensor, dtype DType, metadata map[string]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteSafetensors(f, sd, dtype, metadata); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
