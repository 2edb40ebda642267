// Package npy reads NumPy .npy arrays as produced by the model training
// pipeline. Only the subset the registry ships is supported: little-endian
// float32/float64/int64 arrays of one or two dimensions, C order.
package npy

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var magic = []byte("\x93NUMPY")

// Matrix is a dense row-major matrix. One-dimensional arrays load as a
// single column.
type Matrix struct {
	Rows int
	Cols int
	Data []float64 // row-major, len == Rows*Cols
}

// At returns the element at (row, col).
func (m *Matrix) At(row, col int) float64 {
	return m.Data[row*m.Cols+col]
}

// Row returns a view of one row.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// ReadFile loads a .npy file.
func ReadFile(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

var headerRe = regexp.MustCompile(`'descr':\s*'([^']+)'.*'fortran_order':\s*(True|False).*'shape':\s*\(([^)]*)\)`)

// Read loads a .npy stream.
func Read(r io.Reader) (*Matrix, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("npy magic: %w", err)
	}
	if string(head[:6]) != string(magic) {
		return nil, fmt.Errorf("not an npy file")
	}

	major := head[6]
	var headerLen int
	switch major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("npy header: %w", err)
	}

	m := headerRe.FindStringSubmatch(string(headerBytes))
	if m == nil {
		return nil, fmt.Errorf("malformed npy header: %q", string(headerBytes))
	}
	descr, fortran, shapeStr := m[1], m[2], m[3]
	if fortran == "True" {
		return nil, fmt.Errorf("fortran-order arrays are not supported")
	}

	rows, cols, err := parseShape(shapeStr)
	if err != nil {
		return nil, err
	}

	count := rows * cols
	data := make([]float64, count)
	switch descr {
	case "<f8":
		raw := make([]byte, count*8)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("npy payload: %w", err)
		}
		for i := 0; i < count; i++ {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "<f4":
		raw := make([]byte, count*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("npy payload: %w", err)
		}
		for i := 0; i < count; i++ {
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "<i8":
		raw := make([]byte, count*8)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("npy payload: %w", err)
		}
		for i := 0; i < count; i++ {
			data[i] = float64(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("unsupported npy dtype %q", descr)
	}

	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

func parseShape(s string) (rows, cols int, err error) {
	parts := strings.Split(s, ",")
	dims := make([]int, 0, 2)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, fmt.Errorf("npy shape %q: %w", s, err)
		}
		dims = append(dims, n)
	}
	switch len(dims) {
	case 1:
		return dims[0], 1, nil
	case 2:
		return dims[0], dims[1], nil
	default:
		return 0, 0, fmt.Errorf("unsupported npy rank %d", len(dims))
	}
}

// Write writes a matrix as a version-1 .npy float64 array; test fixtures.
func Write(w io.Writer, m *Matrix) error {
	shape := fmt.Sprintf("(%d, %d)", m.Rows, m.Cols)
	if m.Cols == 1 {
		shape = fmt.Sprintf("(%d,)", m.Rows)
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': %s, }", shape)

	// Pad so the payload starts on a 64-byte boundary.
	total := len(magic) + 2 + 2 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	if _, err := w.Write(magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	raw := make([]byte, len(m.Data)*8)
	for i, v := range m.Data {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	_, err := w.Write(raw)
	return err
}
