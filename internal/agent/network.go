package agent

import (
	"math"
	"math/rand"
)

// network is a fully connected value network: input -> h1 -> h2 ->
// actions, ReLU between layers, linear output. All math is float64.
// Instances published through the agent's snapshot pointer are never
// mutated after publication.
type network struct {
	In, H1, H2, Out int

	// Weights are row-major: W1[j][i] connects input i to unit j.
	W1 [][]float64 `json:"w1"`
	B1 []float64   `json:"b1"`
	W2 [][]float64 `json:"w2"`
	B2 []float64   `json:"b2"`
	W3 [][]float64 `json:"w3"`
	B3 []float64   `json:"b3"`
}

// newNetwork builds a network with He-style initialization from rng.
func newNetwork(in, h1, h2, out int, rng *rand.Rand) *network {
	n := &network{In: in, H1: h1, H2: h2, Out: out}
	n.W1, n.B1 = initLayer(h1, in, rng)
	n.W2, n.B2 = initLayer(h2, h1, rng)
	n.W3, n.B3 = initLayer(out, h2, rng)
	return n
}

func initLayer(rows, cols int, rng *rand.Rand) ([][]float64, []float64) {
	scale := math.Sqrt(2.0 / float64(cols))
	w := make([][]float64, rows)
	for j := range w {
		w[j] = make([]float64, cols)
		for i := range w[j] {
			w[j][i] = rng.NormFloat64() * scale
		}
	}
	return w, make([]float64, rows)
}

// activations caches the per-layer outputs of one forward pass for use
// in backpropagation.
type activations struct {
	x  []float64 // input
	z1 []float64 // pre-activation h1
	a1 []float64 // post-ReLU h1
	z2 []float64
	a2 []float64
	q  []float64 // output action values
}

// forward computes action values for one state.
func (n *network) forward(x []float64) *activations {
	act := &activations{x: x}
	act.z1 = affine(n.W1, n.B1, x)
	act.a1 = relu(act.z1)
	act.z2 = affine(n.W2, n.B2, act.a1)
	act.a2 = relu(act.z2)
	act.q = affine(n.W3, n.B3, act.a2)
	return act
}

// values returns just the action values for one state.
func (n *network) values(x []float64) []float64 {
	return n.forward(x).q
}

func affine(w [][]float64, b []float64, x []float64) []float64 {
	out := make([]float64, len(w))
	for j := range w {
		sum := b[j]
		row := w[j]
		for i := range row {
			sum += row[i] * x[i]
		}
		out[j] = sum
	}
	return out
}

func relu(z []float64) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}

// clone returns a deep copy of the network.
func (n *network) clone() *network {
	c := &network{In: n.In, H1: n.H1, H2: n.H2, Out: n.Out}
	c.W1, c.B1 = cloneLayer(n.W1, n.B1)
	c.W2, c.B2 = cloneLayer(n.W2, n.B2)
	c.W3, c.B3 = cloneLayer(n.W3, n.B3)
	return c
}

func cloneLayer(w [][]float64, b []float64) ([][]float64, []float64) {
	cw := make([][]float64, len(w))
	for j := range w {
		cw[j] = append([]float64(nil), w[j]...)
	}
	return cw, append([]float64(nil), b...)
}

// softUpdate moves this network toward src: θ = τ·src + (1-τ)·θ.
func (n *network) softUpdate(src *network, tau float64) {
	blendLayer(n.W1, n.B1, src.W1, src.B1, tau)
	blendLayer(n.W2, n.B2, src.W2, src.B2, tau)
	blendLayer(n.W3, n.B3, src.W3, src.B3, tau)
}

func blendLayer(dw [][]float64, db []float64, sw [][]float64, sb []float64, tau float64) {
	for j := range dw {
		for i := range dw[j] {
			dw[j][i] = tau*sw[j][i] + (1-tau)*dw[j][i]
		}
		db[j] = tau*sb[j] + (1-tau)*db[j]
	}
}

// gradients accumulates parameter gradients across a batch.
type gradients struct {
	W1 [][]float64
	B1 []float64
	W2 [][]float64
	B2 []float64
	W3 [][]float64
	B3 []float64
}

func newGradients(n *network) *gradients {
	g := &gradients{}
	g.W1, g.B1 = zeroLayer(n.H1, n.In)
	g.W2, g.B2 = zeroLayer(n.H2, n.H1)
	g.W3, g.B3 = zeroLayer(n.Out, n.H2)
	return g
}

func zeroLayer(rows, cols int) ([][]float64, []float64) {
	w := make([][]float64, rows)
	for j := range w {
		w[j] = make([]float64, cols)
	}
	return w, make([]float64, rows)
}

// accumulate backpropagates dLoss/dQ for one sample and adds the
// resulting parameter gradients.
func (g *gradients) accumulate(n *network, act *activations, dQ []float64) {
	// Output layer.
	for j := range n.W3 {
		for i := range n.W3[j] {
			g.W3[j][i] += dQ[j] * act.a2[i]
		}
		g.B3[j] += dQ[j]
	}

	// Hidden layer 2.
	d2 := make([]float64, n.H2)
	for i := 0; i < n.H2; i++ {
		if act.z2[i] <= 0 {
			continue
		}
		sum := 0.0
		for j := range n.W3 {
			sum += n.W3[j][i] * dQ[j]
		}
		d2[i] = sum
	}
	for j := range n.W2 {
		if d2[j] == 0 {
			continue
		}
		for i := range n.W2[j] {
			g.W2[j][i] += d2[j] * act.a1[i]
		}
		g.B2[j] += d2[j]
	}

	// Hidden layer 1.
	d1 := make([]float64, n.H1)
	for i := 0; i < n.H1; i++ {
		if act.z1[i] <= 0 {
			continue
		}
		sum := 0.0
		for j := range n.W2 {
			sum += n.W2[j][i] * d2[j]
		}
		d1[i] = sum
	}
	for j := range n.W1 {
		if d1[j] == 0 {
			continue
		}
		for i := range n.W1[j] {
			g.W1[j][i] += d1[j] * act.x[i]
		}
		g.B1[j] += d1[j]
	}
}

// norm returns the global L2 norm of all gradients.
func (g *gradients) norm() float64 {
	sum := 0.0
	for _, layer := range [][][]float64{g.W1, g.W2, g.W3} {
		for _, row := range layer {
			for _, v := range row {
				sum += v * v
			}
		}
	}
	for _, bias := range [][]float64{g.B1, g.B2, g.B3} {
		for _, v := range bias {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// scale multiplies all gradients by f.
func (g *gradients) scale(f float64) {
	for _, layer := range [][][]float64{g.W1, g.W2, g.W3} {
		for _, row := range layer {
			for i := range row {
				row[i] *= f
			}
		}
	}
	for _, bias := range [][]float64{g.B1, g.B2, g.B3} {
		for i := range bias {
			bias[i] *= f
		}
	}
}

// apply performs one SGD step: θ -= lr * g.
func (n *network) apply(g *gradients, lr float64) {
	applyLayer(n.W1, n.B1, g.W1, g.B1, lr)
	applyLayer(n.W2, n.B2, g.W2, g.B2, lr)
	applyLayer(n.W3, n.B3, g.W3, g.B3, lr)
}

func applyLayer(w [][]float64, b []float64, gw [][]float64, gb []float64, lr float64) {
	for j := range w {
		for i := range w[j] {
			w[j][i] -= lr * gw[j][i]
		}
		b[j] -= lr * gb[j]
	}
}

// finite reports whether every parameter is a finite number.
func (n *network) finite() bool {
	for _, layer := range [][][]float64{n.W1, n.W2, n.W3} {
		for _, row := range layer {
			for _, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return false
				}
			}
		}
	}
	for _, bias := range [][]float64{n.B1, n.B2, n.B3} {
		for _, v := range bias {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// argmax returns the index of the largest value.
func argmax(vals []float64) int {
	best := 0
	for i := 1; i < len(vals); i++ {
		if vals[i] > vals[best] {
			best = i
		}
	}
	return best
}

// logSumExp computes log(sum(exp(vals))) stably.
func logSumExp(vals []float64) float64 {
	max := vals[argmax(vals)]
	sum := 0.0
	for _, v := range vals {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}

// softmax returns the softmax distribution over vals.
func softmax(vals []float64) []float64 {
	max := vals[argmax(vals)]
	out := make([]float64, len(vals))
	sum := 0.0
	for i, v := range vals {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
