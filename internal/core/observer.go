package core

import "time"

// Observer receives operational events. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveTurn(outcome string)
	ObserveCompletion(provider string, d time.Duration, err error)
	ObserveStore(op string, err error)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) ObserveTurn(string)                             {}
func (NopObserver) ObserveCompletion(string, time.Duration, error) {}
func (NopObserver) ObserveStore(string, error)                     {}
