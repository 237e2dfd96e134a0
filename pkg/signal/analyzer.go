package signal

import (
	"context"
	"log/slog"
	"time"
)

// Classifier is the inference capability: classify_emotion(text) → Signal.
type Classifier interface {
	Classify(ctx context.Context, text string) (Signal, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, text string) (Signal, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, text string) (Signal, error) {
	return f(ctx, text)
}

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 800 * time.Millisecond

// Analyzer wraps a Classifier with a deadline and a degraded default.
type Analyzer struct {
	classifier Classifier
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger used to report degraded classifications.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAnalyzer creates an Analyzer. A nil classifier selects the LexiconClassifier.
func NewAnalyzer(classifier Classifier, opts ...Option) *Analyzer {
	if classifier == nil {
		classifier = NewLexiconClassifier()
	}
	a := &Analyzer{
		classifier: classifier,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies text. It never fails: on classifier error or deadline expiry it returns
// the neutral signal with Degraded set. A classifier that ignores its context is abandoned
// when the deadline passes.
func (a *Analyzer) Analyze(ctx context.Context, text string) Signal {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		signal Signal
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := a.classifier.Classify(ctx, text)
		done <- result{signal: s, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.signal.Normalize()
		}
		a.logger.Warn("emotion classification failed, using neutral signal", "error", r.err)
	case <-ctx.Done():
		a.logger.Warn("emotion classification abandoned", "error", ctx.Err())
	}
	return degraded(text)
}

func degraded(text string) Signal {
	s := NeutralSignal()
	s.Intent = DetectIntent(text)
	s.SelfFocus = SelfFocus(Tokenize(text))
	s.Degraded = true
	return s
}
