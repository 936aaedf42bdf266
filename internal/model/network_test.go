package model

import (
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"alexnet-finetune/internal/tensor"
)

func tinyArch(numClasses int) Architecture {
	return Architecture{
		Name:      "tiny",
		InputSize: 8,
		Channels:  3,
		Layers: []LayerSpec{
			Conv("conv1", 3, 1, 4, 1, Same),
			Norm("norm1", 1, 1e-2, 0.75, 1.0),
			Pool("pool1", 2, 2, Valid),
			Conv("conv2", 3, 1, 4, 2, Same),
			Pool("pool2", 2, 2, Valid),
			FC("fc7", 6, true),
			Drop("dropout7"),
			FC("fc8", numClasses, false),
		},
	}
}

func randomBatch(rng *rand.Rand, n, size, numClasses int) (*tensor.Tensor, *mat.Dense, []int) {
	images := tensor.New(n, size, size, 3)
	for i := range images.Data {
		images.Data[i] = rng.NormFloat64()
	}
	labels := mat.NewDense(n, numClasses, nil)
	classes := make([]int, n)
	for i := range classes {
		classes[i] = rng.Intn(numClasses)
		labels.Set(i, classes[i], 1)
	}
	return images, labels, classes
}

func snapshot(params []*Param) map[string][]float64 {
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		out[p.Name] = append([]float64(nil), p.Value.Data...)
	}
	return out
}

func layerOf(param string) string {
	layer, _, _ := strings.Cut(param, "/")
	return layer
}

func paramNames(params []*Param) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

func TestPaddingOutputSizesMatchAlexNet(t *testing.T) {
	out, _ := Valid.outputSize(227, 11, 4)
	require.Equal(t, 55, out)
	out, _ = Valid.outputSize(55, 3, 2)
	require.Equal(t, 27, out)
	out, before := Same.outputSize(27, 5, 1)
	require.Equal(t, 27, out)
	require.Equal(t, 2, before)
	out, _ = Valid.outputSize(27, 3, 2)
	require.Equal(t, 13, out)
	out, _ = Valid.outputSize(13, 3, 2)
	require.Equal(t, 6, out)

	arch := AlexNet(2)
	require.Equal(t, 227, arch.InputSize)
	require.Equal(t, "fc8", arch.Layers[len(arch.Layers)-1].Name)
	require.Equal(t, 2, arch.Layers[len(arch.Layers)-1].Units)
}

func TestNetworkRegistry(t *testing.T) {
	net, err := NewNetwork(tinyArch(3), Options{LearningRate: 0.1, Seed: 1})
	require.NoError(t, err)
	require.Equal(t, 3, net.NumClasses())

	l, ok := net.Layer("conv2")
	require.True(t, ok)
	require.Equal(t, "conv2", l.Name())
	require.Len(t, l.Params(), 2)
	require.Equal(t, []int{3, 3, 2, 4}, l.Params()[0].Value.Shape)

	_, ok = net.Layer("conv9")
	require.False(t, ok)

	pool, _ := net.Layer("pool1")
	require.Empty(t, pool.Params())

	_, err = NewNetwork(Architecture{Name: "dup", InputSize: 4, Channels: 1, Layers: []LayerSpec{
		FC("fc", 2, false), FC("fc", 2, false),
	}}, Options{})
	require.Error(t, err)
}

func TestSelectTrainable(t *testing.T) {
	net, err := NewNetwork(tinyArch(2), Options{Seed: 2})
	require.NoError(t, err)

	selected := net.SelectTrainable([]string{"fc8", "fc7"})
	require.Len(t, selected, 2)
	require.Equal(t, "fc7", selected[0].Name())
	require.Equal(t, "fc8", selected[1].Name())
	require.NoError(t, net.SetTrainable(selected))
	require.Equal(t, []string{"fc7/weights", "fc7/biases", "fc8/weights", "fc8/biases"}, paramNames(net.TrainableParams()))
	require.False(t, net.IsTrainable("conv1"))

	require.Empty(t, net.SelectTrainable([]string{"fc9"}))

	other, err := NewNetwork(tinyArch(2), Options{Seed: 2})
	require.NoError(t, err)
	foreign, _ := other.Layer("fc8")
	require.Error(t, net.SetTrainable([]Layer{foreign}))
}

func TestUpdateOnlyTouchesTrainable(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	images, labels, _ := randomBatch(rng, 4, 8, 2)

	for _, tc := range []struct {
		name    string
		lr      float64
		changed bool
	}{
		{"zero learning rate", 0, false},
		{"positive learning rate", 0.5, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			net, err := NewNetwork(tinyArch(2), Options{LearningRate: tc.lr, Seed: 4})
			require.NoError(t, err)
			require.NoError(t, net.SetTrainable(net.SelectTrainable([]string{"fc8", "fc7"})))
			before := snapshot(net.Params())

			logits, err := net.Forward(images, 0.5)
			require.NoError(t, err)
			require.NoError(t, net.Update(logits, labels))

			anyChanged := false
			for _, p := range net.Params() {
				if net.IsTrainable(layerOf(p.Name)) {
					for i, v := range p.Value.Data {
						if v != before[p.Name][i] {
							anyChanged = true
						}
					}
					continue
				}
				require.Equal(t, before[p.Name], p.Value.Data, "frozen parameter %s changed", p.Name)
			}
			require.Equal(t, tc.changed, anyChanged)
		})
	}
}

func TestUpdateRequiresLatestForward(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	images, labels, _ := randomBatch(rng, 2, 8, 2)
	net, err := NewNetwork(tinyArch(2), Options{LearningRate: 0.1, Seed: 5})
	require.NoError(t, err)
	require.Error(t, net.Update(mat.NewDense(2, 2, nil), labels))

	logits, err := net.Forward(images, 1)
	require.NoError(t, err)
	require.Error(t, net.Update(logits, mat.NewDense(2, 3, nil)))

	_, err = net.Forward(tensor.New(2, 4, 4, 3), 1)
	require.Error(t, err)
}

func TestUpdateReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	images, labels, _ := randomBatch(rng, 6, 8, 3)
	net, err := NewNetwork(tinyArch(3), Options{LearningRate: 0.05, Seed: 6})
	require.NoError(t, err)
	require.NoError(t, net.SetTrainable(net.SelectTrainable([]string{"fc8", "fc7"})))

	logits, err := net.Forward(images, 1)
	require.NoError(t, err)
	first := net.Loss(logits, labels)
	for i := 0; i < 20; i++ {
		logits, err = net.Forward(images, 1)
		require.NoError(t, err)
		require.NoError(t, net.Update(logits, labels))
	}
	logits, err = net.Forward(images, 1)
	require.NoError(t, err)
	require.Less(t, net.Loss(logits, labels), first)
}

// TestGradientsMatchFiniteDifferences trains every layer with a zero learning
// rate and compares the analytic gradients with central differences.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	images, labels, _ := randomBatch(rng, 3, 8, 3)
	net, err := NewNetwork(tinyArch(3), Options{LearningRate: 0, Seed: 7})
	require.NoError(t, err)
	for _, p := range net.Params() {
		if p.Value.Rank() == 1 {
			for i := range p.Value.Data {
				p.Value.Data[i] = 0.01 * rng.NormFloat64()
			}
		}
	}
	require.NoError(t, net.SetTrainable(net.Layers()))

	logits, err := net.Forward(images, 1)
	require.NoError(t, err)
	require.NoError(t, net.Update(logits, labels))

	loss := func() float64 {
		l, err := net.Forward(images, 1)
		require.NoError(t, err)
		return net.Loss(l, labels)
	}
	const eps = 1e-6
	for _, p := range net.Params() {
		require.NotNil(t, p.Grad, p.Name)
		for i := 0; i < p.Value.Len(); i += 1 + p.Value.Len()/7 {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			plus := loss()
			p.Value.Data[i] = orig - eps
			minus := loss()
			p.Value.Data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			analytic := p.Grad.Data[i]
			tolerance := 1e-5 + 1e-3*math.Max(math.Abs(numeric), math.Abs(analytic))
			require.InDelta(t, numeric, analytic, tolerance, "%s[%d]", p.Name, i)
		}
	}
}

func TestDropoutKeepProbability(t *testing.T) {
	net, err := NewNetwork(tinyArch(2), Options{Seed: 8})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(8))
	images, _, _ := randomBatch(rng, 2, 8, 2)

	a, err := net.Forward(images, 1)
	require.NoError(t, err)
	b, err := net.Forward(images, 1)
	require.NoError(t, err)
	require.True(t, mat.Equal(a, b), "keepProb 1 must be deterministic")

	_, err = net.Forward(images, 0)
	require.Error(t, err)
}

func TestLoadPretrained(t *testing.T) {
	src, err := NewNetwork(tinyArch(5), Options{Seed: 9})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "weights.npz")
	w, err := npz.Create(path)
	require.NoError(t, err)
	for _, p := range src.Params() {
		if p.Name == "fc8/weights" || p.Name == "fc8/biases" {
			// Pretrained heads have a different number of classes.
			require.NoError(t, w.Write(p.Name+NpySuffix, make([]float32, 7)))
			continue
		}
		require.NoError(t, w.Write(p.Name+NpySuffix, p.Value.Data))
	}
	require.NoError(t, w.Write("unused/weights"+NpySuffix, []float64{1, 2, 3}))
	require.NoError(t, w.Close())

	dst, err := NewNetwork(tinyArch(5), Options{Seed: 10})
	require.NoError(t, err)
	require.NoError(t, dst.SetTrainable(dst.SelectTrainable([]string{"fc8"})))
	fc8Before := snapshot(dst.TrainableParams())
	require.NoError(t, dst.LoadPretrained(path))

	want := snapshot(src.Params())
	for _, p := range dst.Params() {
		if dst.IsTrainable(layerOf(p.Name)) {
			require.Equal(t, fc8Before[p.Name], p.Value.Data, "trainable %s must keep its initialisation", p.Name)
			continue
		}
		require.Equal(t, want[p.Name], p.Value.Data, p.Name)
	}

	// With fc8 frozen the mismatching arrays are an error.
	frozen, err := NewNetwork(tinyArch(5), Options{Seed: 11})
	require.NoError(t, err)
	require.Error(t, frozen.LoadPretrained(path))

	require.Error(t, dst.LoadPretrained(filepath.Join(t.TempDir(), "missing.npz")))
}
