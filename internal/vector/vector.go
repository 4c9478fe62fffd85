// Package vector holds the embedding blob codec and similarity helpers shared
// by message and memo storage.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	headerSize = 4
	valueSize  = 4
)

// Encode writes [uint32 LE dimension][dimension x float32 LE].
func Encode(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	if len(v) > (math.MaxInt-headerSize)/valueSize {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(v))
	}

	blob := make([]byte, headerSize+len(v)*valueSize)
	binary.LittleEndian.PutUint32(blob[:headerSize], uint32(len(v)))
	for i, x := range v {
		if !finite(float64(x)) {
			return nil, fmt.Errorf("encode vector: non-finite value at %d", i)
		}
		off := headerSize + i*valueSize
		binary.LittleEndian.PutUint32(blob[off:off+valueSize], math.Float32bits(x))
	}
	return blob, nil
}

// Decode reverses Encode.
func Decode(blob []byte) ([]float32, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob[:headerSize]))
	if dim <= 0 || dim > (math.MaxInt-headerSize)/valueSize {
		return nil, fmt.Errorf("decode vector: bad dimension %d", dim)
	}
	if want := headerSize + dim*valueSize; len(blob) != want {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, len(blob)-headerSize)
	}

	v := make([]float32, dim)
	for i := range v {
		off := headerSize + i*valueSize
		x := math.Float32frombits(binary.LittleEndian.Uint32(blob[off : off+valueSize]))
		if !finite(float64(x)) {
			return nil, fmt.Errorf("decode vector: non-finite value at %d", i)
		}
		v[i] = x
	}
	return v, nil
}

// Cosine returns the cosine similarity of a and b clamped to [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine: dimension mismatch %d vs %d", len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if !finite(x) || !finite(y) {
			return 0, fmt.Errorf("cosine: non-finite value at %d", i)
		}
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("cosine: zero-norm vector")
	}

	return math.Max(-1, math.Min(1, dot/(math.Sqrt(na)*math.Sqrt(nb)))), nil
}

// Normalize returns a unit-length copy of v. A zero vector is returned as-is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
