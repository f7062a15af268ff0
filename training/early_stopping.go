package training

// EarlyStopping tracks the best validation accuracy and how many epochs have passed without
// beating it. The first observation always counts as an improvement; afterwards only a strictly
// greater accuracy does.
type EarlyStopping struct {
	Patience int // 0 disables stopping

	seen      bool
	best      float64
	bestEpoch int
	counter   int
}

func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience}
}

// Observe records one epoch's validation accuracy and reports whether it is a new best.
func (es *EarlyStopping) Observe(epoch int, valAcc float64) bool {
	if !es.seen || valAcc > es.best {
		es.seen = true
		es.best = valAcc
		es.bestEpoch = epoch
		es.counter = 0
		return true
	}
	es.counter++
	return false
}

// ShouldStop reports whether patience has run out.
func (es *EarlyStopping) ShouldStop() bool {
	return es.Patience > 0 && es.counter >= es.Patience
}

// Best returns the best epoch and its accuracy; epoch is 0 before any observation.
func (es *EarlyStopping) Best() (epoch int, valAcc float64) {
	return es.bestEpoch, es.best
}

func (es *EarlyStopping) EpochsWithoutImprovement() int { return es.counter }

// Restore continues from a previous run whose best was valAcc at epoch.
func (es *EarlyStopping) Restore(epoch int, valAcc float64, sinceBest int) {
	es.seen = true
	es.best = valAcc
	es.bestEpoch = epoch
	es.counter = sinceBest
}
