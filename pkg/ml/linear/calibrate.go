package linear

import "math"

const logitEpsilon = 1e-6

// Calibrator is a Platt scaler: p' = sigmoid(A*logit(p) + B).
type Calibrator struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Identity leaves probabilities unchanged.
var Identity = Calibrator{A: 1, B: 0}

// Apply maps a raw score to a calibrated probability in [0,1].
func (c Calibrator) Apply(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	out := Sigmoid(c.A*Logit(p) + c.B)
	if out < 0 {
		return 0
	}
	if out > 1 {
		return 1
	}
	return out
}

// FitCalibrator learns A and B from raw scores and their binary outcomes.
func FitCalibrator(scores, labels []float64, opts Options) (Calibrator, Metrics) {
	if len(scores) == 0 || len(scores) != len(labels) {
		return Identity, Metrics{}
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 500
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.1
	}
	samples := make([][]float64, len(scores))
	for i, s := range scores {
		samples[i] = []float64{Logit(s)}
	}
	w, m := TrainLogistic(samples, labels, opts)
	if len(w.Coefficients) != 1 || w.Coefficients[0] <= 0 {
		// A non-increasing map would reorder risks; keep the raw scores.
		return Identity, m
	}
	return Calibrator{A: w.Coefficients[0], B: w.Bias}, m
}

// Logit is the inverse of Sigmoid with the input clamped away from 0 and 1.
func Logit(p float64) float64 {
	if p < logitEpsilon {
		p = logitEpsilon
	}
	if p > 1-logitEpsilon {
		p = 1 - logitEpsilon
	}
	return math.Log(p / (1 - p))
}
