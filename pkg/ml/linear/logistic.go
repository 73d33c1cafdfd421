package linear

import "math"

// Options tunes batch gradient descent. L2 penalizes coefficients, never
// the bias. Init warm-starts from existing weights when their width matches
// the samples.
type Options struct {
	Epochs       int
	LearningRate float64
	L2           float64
	Init         *Weights
}

type Weights struct {
	Bias         float64   `json:"bias"`
	Coefficients []float64 `json:"coefficients"`
}

type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
}

func TrainLogistic(samples [][]float64, labels []float64, opts Options) (Weights, Metrics) {
	if opts.Epochs <= 0 {
		opts.Epochs = 200
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.01
	}

	n := len(samples)
	if n == 0 {
		return Weights{}, Metrics{}
	}
	featureCount := len(samples[0])
	weights := make([]float64, featureCount)
	var bias float64
	if opts.Init != nil && len(opts.Init.Coefficients) == featureCount {
		copy(weights, opts.Init.Coefficients)
		bias = opts.Init.Bias
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		grad := make([]float64, featureCount)
		var biasGrad float64
		for i, sample := range samples {
			prediction := Sigmoid(dot(weights, sample) + bias)
			diff := prediction - labels[i]
			for j := 0; j < featureCount; j++ {
				grad[j] += diff * sample[j]
			}
			biasGrad += diff
		}
		for j := 0; j < featureCount; j++ {
			weights[j] -= opts.LearningRate * (grad[j]/float64(n) + opts.L2*weights[j])
		}
		bias -= opts.LearningRate * biasGrad / float64(n)
	}

	w := Weights{Bias: bias, Coefficients: weights}
	return w, Evaluate(w, samples, labels)
}

func Predict(weights Weights, sample []float64) float64 {
	return Sigmoid(dot(weights.Coefficients, sample) + weights.Bias)
}

// Contributions returns each coefficient times its feature value, the
// additive terms of the logit before the bias.
func Contributions(weights Weights, sample []float64) []float64 {
	out := make([]float64, len(weights.Coefficients))
	for i := 0; i < len(weights.Coefficients) && i < len(sample); i++ {
		out[i] = weights.Coefficients[i] * sample[i]
	}
	return out
}

// Evaluate reports log loss and accuracy at a 0.5 cut-off.
func Evaluate(weights Weights, samples [][]float64, labels []float64) Metrics {
	if len(samples) == 0 {
		return Metrics{}
	}
	loss, accuracy := evaluate(weights.Coefficients, weights.Bias, samples, labels)
	return Metrics{Loss: loss, Accuracy: accuracy, Samples: len(samples)}
}

func dot(weights []float64, sample []float64) float64 {
	var sum float64
	for i := 0; i < len(weights) && i < len(sample); i++ {
		sum += weights[i] * sample[i]
	}
	return sum
}

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func evaluate(weights []float64, bias float64, samples [][]float64, labels []float64) (float64, float64) {
	var loss float64
	var correct int
	for i, sample := range samples {
		prediction := Sigmoid(dot(weights, sample) + bias)
		loss += -labels[i]*math.Log(prediction+1e-9) - (1-labels[i])*math.Log(1-prediction+1e-9)
		if (prediction >= 0.5 && labels[i] == 1) || (prediction < 0.5 && labels[i] == 0) {
			correct++
		}
	}
	loss /= float64(len(samples))
	accuracy := float64(correct) / float64(len(samples))
	return loss, accuracy
}
