package toy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// ErrCorruptWeights reports a weights file that does not match the model.
var ErrCorruptWeights = errors.New("toy: corrupt weights file")

// Weights file layout, little endian:
//
//	magic   [4]byte "SQTW"
//	version uint32
//	count   uint64  number of float32 values
//	values  [count]float32
const (
	weightsMagic      = "SQTW"
	weightsVersion    = 1
	weightsHeaderSize = 16
)

// params lists every weight slice in file order.
func (m *Model) params() [][]float32 {
	out := [][]float32{m.emb.Data}
	addBlock := func(b *block) {
		out = append(out, b.attnNorm, b.wq.Data, b.wk.Data, b.wv.Data, b.wo.Data)
		if b.crossNorm != nil {
			out = append(out, b.crossNorm, b.cq.Data, b.ck.Data, b.cv.Data, b.co.Data)
		}
		out = append(out, b.ffnNorm, b.up.Data, b.down.Data)
	}
	for i := range m.encoder {
		addBlock(&m.encoder[i])
	}
	if m.encNorm != nil {
		out = append(out, m.encNorm)
	}
	for i := range m.decoder {
		addBlock(&m.decoder[i])
	}
	return append(out, m.outNorm, m.output.Data)
}

func (m *Model) paramCount() int {
	n := 0
	for _, p := range m.params() {
		n += len(p)
	}
	return n
}

// SaveWeights writes the model weights to path.
func (m *Model) SaveWeights(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	var hdr [weightsHeaderSize]byte
	copy(hdr[:4], weightsMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], weightsVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(m.paramCount()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	var buf [4]byte
	for _, p := range m.params() {
		for _, v := range p {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// LoadWeights replaces the model weights with the contents of path. The file
// must have been written by a model with the same Config sizes.
func (m *Model) LoadWeights(path string) error {
	data, release, err := mapFile(path)
	if err != nil {
		return err
	}
	defer release()

	if len(data) < weightsHeaderSize || string(data[:4]) != weightsMagic {
		return fmt.Errorf("%w: %s: bad header", ErrCorruptWeights, path)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != weightsVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptWeights, path, v)
	}
	count := binary.LittleEndian.Uint64(data[8:16])
	want := m.paramCount()
	if count != uint64(want) || len(data)-weightsHeaderSize != 4*want {
		return fmt.Errorf("%w: %s: holds %d values, model has %d", ErrCorruptWeights, path, count, want)
	}

	off := weightsHeaderSize
	for _, p := range m.params() {
		for i := range p {
			p[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
	}
	return nil
}

// mapFile maps path read-only, falling back to a plain read where mmap is
// unavailable. release must be called once the data is no longer used.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := st.Size()
	if size < weightsHeaderSize || size > int64(int(^uint(0)>>1)) {
		return nil, nil, fmt.Errorf("%w: %s: size %d", ErrCorruptWeights, path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, func() { _ = unix.Munmap(data) }, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}
