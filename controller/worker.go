package controller

import (
	"context"

	"gopkg.in/tomb.v2"
)

// Worker runs reconciliation passes of a controller at its configured interval.
type Worker struct {
	tomb       tomb.Tomb
	controller *Controller
}

func NewWorker(controller *Controller) *Worker {
	w := &Worker{controller: controller}
	w.tomb.Go(w.loop)
	return w
}

func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	c := w.controller
	c.log.Info("Reconciliation started", "interval", c.config.ReconcileInterval)

	for {
		select {
		case <-w.tomb.Dying():
			c.log.Info("Reconciliation stopped")
			return tomb.ErrDying
		case <-c.clock.After(c.config.ReconcileInterval):
		}

		ctx := w.tomb.Context(context.Background())
		if err := c.Reconcile(ctx); err != nil {
			c.log.Warn("Reconciliation failed", "error", err)
		}
	}
}
