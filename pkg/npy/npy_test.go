package npy

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		m    *Matrix
	}{
		{"2d", &Matrix{Rows: 2, Cols: 3, Data: []float64{1, 2, 3, 4, 5, 6}}},
		{"1d as column", &Matrix{Rows: 4, Cols: 1, Data: []float64{0.5, -1.25, 0, 3e9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, tt.m); err != nil {
				t.Fatalf("Write: %v", err)
			}

			got, err := Read(&buf)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got.Rows != tt.m.Rows || got.Cols != tt.m.Cols {
				t.Fatalf("shape = (%d, %d), want (%d, %d)", got.Rows, got.Cols, tt.m.Rows, tt.m.Cols)
			}
			for i := range tt.m.Data {
				if got.Data[i] != tt.m.Data[i] {
					t.Errorf("Data[%d] = %v, want %v", i, got.Data[i], tt.m.Data[i])
				}
			}
		})
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	if _, err := Read(strings.NewReader("notanpyfile")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestReadRejectsFortranOrder(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, &Matrix{Rows: 1, Cols: 1, Data: []float64{1}}); err != nil {
		t.Fatal(err)
	}
	data := bytes.Replace(buf.Bytes(), []byte("False"), []byte("True "), 1)
	if _, err := Read(bytes.NewReader(data)); err == nil {
		t.Fatal("expected error for fortran-order array")
	}
}

func TestAtAndRow(t *testing.T) {
	m := &Matrix{Rows: 2, Cols: 2, Data: []float64{1, 2, 3, 4}}
	if m.At(1, 0) != 3 {
		t.Errorf("At(1,0) = %v, want 3", m.At(1, 0))
	}
	row := m.Row(1)
	if len(row) != 2 || row[0] != 3 || row[1] != 4 {
		t.Errorf("Row(1) = %v, want [3 4]", row)
	}
}
