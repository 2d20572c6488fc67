// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package signalhandler converts process signals into worker death, so
// that shutdown flows through the same cooperative path as any other
// stop. Watchers themselves never touch signal handling.
package signalhandler

import (
	"os"
	"os/signal"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/driftlake/driftlake/core/logger"
)

// HandlerFunc maps a received signal to the error the process should
// die with.
type HandlerFunc func(os.Signal) error

// Handler returns a HandlerFunc backed by a signal-to-error map, with
// defaultErr for unmapped signals.
func Handler(defaultErr error, signalMap map[os.Signal]error) HandlerFunc {
	return func(sig os.Signal) error {
		if err, ok := signalMap[sig]; ok {
			return err
		}
		return defaultErr
	}
}

// Install registers for the given signals and returns the channel to
// hand to NewSignalWatcher, plus a restore func that reinstates the
// previous disposition. Callers defer the restore.
func Install(signals ...os.Signal) (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	return ch, func() {
		signal.Reset(signals...)
	}
}

// SignalWatcher waits for one signal and dies with the handler's error.
type SignalWatcher struct {
	catacomb catacomb.Catacomb
	handler  HandlerFunc
	logger   logger.Logger
	sigCh    <-chan os.Signal
}

// NewSignalWatcher constructs a signal watcher for the given channel
// and handler.
func NewSignalWatcher(logger logger.Logger, sig <-chan os.Signal, handler HandlerFunc) (*SignalWatcher, error) {
	s := &SignalWatcher{
		handler: handler,
		logger:  logger,
		sigCh:   sig,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.watch,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *SignalWatcher) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *SignalWatcher) Wait() error {
	return s.catacomb.Wait()
}

func (s *SignalWatcher) watch() error {
	select {
	case sig, ok := <-s.sigCh:
		if !ok {
			return errors.New("signal channel closed unexpectedly")
		}
		return s.handler(sig)
	case <-s.catacomb.Dying():
		return s.catacomb.ErrDying()
	}
}
