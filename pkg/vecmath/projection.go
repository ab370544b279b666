package vecmath

import (
	"math"
	"sync"
)

// DefaultSeed is the projection seed used unless configured otherwise.
const DefaultSeed uint64 = 42

// DefaultPolicyDimensions is the row count of the projection matrix, i.e. the
// length of every policy vector.
const DefaultPolicyDimensions = 128

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// DeterministicMatrix builds a rows×cols matrix of standard normal samples
// scaled by 1/√cols.
//
// The generation algorithm is part of the persisted-data contract, because
// policy vectors written by one process are fused by the next:
//
//  1. A SplitMix64 stream is seeded with seed.
//  2. Uniforms are taken from the top 53 bits of each output:
//     u1 = (x>>11 + 1)·2⁻⁵³ in (0, 1], u2 = (x>>11)·2⁻⁵³ in [0, 1).
//  3. Each (u1, u2) pair yields two normals via Box–Muller,
//     r·cos(2πu2) then r·sin(2πu2) with r = √(−2 ln u1).
//  4. Normals fill the matrix in row-major order; an unused trailing sample
//     is discarded.
//  5. Each sample is divided by √cols in float64 and stored as float32.
//
// Changing the seed or any step above makes previously stored policy vectors
// incomparable with new ones.
//
// Compatibility: the Python service this replaces drew its matrix from
// numpy's default_rng(seed).standard_normal (PCG64 with ziggurat sampling).
// That stream is not reproduced here, so policy vectors written by the
// Python service are not comparable with attune's and must be discarded or
// rebuilt from the log when migrating. A self-contained generator was chosen
// so the values are fixed by this file alone rather than by a library or Go
// release; math/rand/v2 gives no cross-release stream guarantee.
func DeterministicMatrix(seed uint64, rows, cols int) *Matrix {
	m := &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
	if rows <= 0 || cols <= 0 {
		m.Data = nil
		return m
	}
	rng := splitMix64{state: seed}
	scale := 1 / math.Sqrt(float64(cols))
	for i := 0; i < len(m.Data); i += 2 {
		z0, z1 := rng.normalPair()
		m.Data[i] = float32(z0 * scale)
		if i+1 < len(m.Data) {
			m.Data[i+1] = float32(z1 * scale)
		}
	}
	return m
}

// Project reduces embedding to m.Rows dimensions (m·embedding) and
// L2-normalises the result with the [NormEpsilon] guard.
func Project(embedding []float32, m *Matrix) ([]float32, error) {
	if len(embedding) != m.Cols {
		return nil, &DimensionError{Op: "project", Got: len(embedding), Want: m.Cols}
	}
	out := make([]float64, m.Rows)
	for r := 0; r < m.Rows; r++ {
		row := m.Data[r*m.Cols : (r+1)*m.Cols]
		var sum float64
		for c, w := range row {
			sum += float64(w) * float64(embedding[c])
		}
		out[r] = sum
	}
	return normalize64(out), nil
}

// Projector caches the projection matrix for a fixed seed and row count. The
// column count is the embedding dimensionality, which may only be known after
// the first embedding arrives, so matrices are built lazily per width and then
// reused for the life of the process.
//
// A Projector is safe for concurrent use.
type Projector struct {
	seed uint64
	rows int

	mu     sync.Mutex
	byCols map[int]*Matrix
}

// NewProjector returns a Projector producing rows-dimensional policy vectors.
func NewProjector(seed uint64, rows int) *Projector {
	if rows <= 0 {
		rows = DefaultPolicyDimensions
	}
	return &Projector{seed: seed, rows: rows, byCols: make(map[int]*Matrix)}
}

// Rows returns the output dimensionality.
func (p *Projector) Rows() int { return p.rows }

// Matrix returns the cached matrix for the given embedding width, building it
// on first use.
func (p *Projector) Matrix(cols int) *Matrix {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byCols[cols]
	if !ok {
		m = DeterministicMatrix(p.seed, p.rows, cols)
		p.byCols[cols] = m
	}
	return m
}

// Project reduces embedding with the cached matrix for its width.
func (p *Projector) Project(embedding []float32) ([]float32, error) {
	if len(embedding) == 0 {
		return nil, &DimensionError{Op: "project", Got: 0, Want: 1}
	}
	return Project(embedding, p.Matrix(len(embedding)))
}

// splitMix64 is the SplitMix64 generator (Steele, Lea, Flood 2014).
type splitMix64 struct {
	state uint64
}

func (s *splitMix64) next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

const twoPow53Inv = 1.0 / (1 << 53)

func (s *splitMix64) normalPair() (float64, float64) {
	u1 := float64(s.next()>>11+1) * twoPow53Inv
	u2 := float64(s.next()>>11) * twoPow53Inv
	r := math.Sqrt(-2 * math.Log(u1))
	theta := 2 * math.Pi * u2
	return r * math.Cos(theta), r * math.Sin(theta)
}
