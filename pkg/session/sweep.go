package session

import (
	"context"
	"errors"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FlushStale snapshots every session holding changes older than staleAfter
// that have not been persisted. It returns how many snapshots were written
// and how many failed.
func (r *Registry) FlushStale(ctx context.Context, staleAfter time.Duration) (flushed, failed int) {
	now := r.now()
	for _, s := range r.live() {
		if ctx.Err() != nil {
			return
		}
		var attempted, ok bool
		err := s.do(ctx, func() {
			if s.pending == 0 || now.Sub(s.dirtySince) < staleAfter {
				return
			}
			attempted = true
			_, perr := s.persist(versioning.TriggerSweep, "")
			ok = perr == nil
		})
		if err != nil || !attempted {
			continue
		}
		if ok {
			flushed++
		} else {
			failed++
		}
	}
	return flushed, failed
}

// EvictIdle releases sessions without clients that have been idle for
// idleAfter, or that were closed. Unsaved changes are persisted and the
// session marked completed first; a session whose snapshot fails stays loaded.
func (r *Registry) EvictIdle(ctx context.Context, idleAfter time.Duration) (evicted, failed int) {
	now := r.now()
	for _, s := range r.live() {
		if ctx.Err() != nil {
			return
		}
		var attempted, ok bool
		err := s.do(ctx, func() {
			if len(s.clients) > 0 {
				return
			}
			if !s.closed && now.Sub(s.lastActivity) < idleAfter {
				return
			}
			attempted = true
			if err := s.persistIfDirty(versioning.TriggerSweep, ""); err != nil {
				return
			}
			if err := s.setStatus(db.StatusCompleted); err != nil {
				s.log.Warn("failed to complete idle session", zap.Error(err))
				return
			}
			r.forget(s)
			s.stop()
			ok = true
			s.log.Info("session evicted", zap.Duration("idle", now.Sub(s.lastActivity)))
		})
		if err != nil || !attempted {
			continue
		}
		if ok {
			evicted++
		} else {
			failed++
		}
	}
	return evicted, failed
}

// Shutdown persists unsaved changes of every session and stops all actors.
func (r *Registry) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range r.live() {
		s := s
		g.Go(func() error {
			var perr error
			err := s.do(ctx, func() {
				for _, c := range s.clients {
					s.dropClient(c)
				}
				perr = s.persistIfDirty(versioning.TriggerShutdown, "")
				if !s.closed {
					if err := s.setStatus(db.StatusPaused); err != nil {
						s.log.Warn("failed to pause session", zap.Error(err))
					}
				}
				r.forget(s)
				s.stop()
			})
			if errors.Is(err, errStopped) {
				return nil
			}
			if err != nil {
				return err
			}
			return perr
		})
	}
	return g.Wait()
}
