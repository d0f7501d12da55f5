package relsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/events"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/notify"
	"filtered-relation/internal/persistence"
)

// DefaultMaxCascadeDepth bounds how many recomputation writes may trigger
// further recomputations within one originating change.
const DefaultMaxCascadeDepth = 4

// ErrNotFiltered is returned for fields that are not filtered relations.
var ErrNotFiltered = errors.New("not a filtered relation field")

type Options struct {
	MaxCascadeDepth int
}

// Service wires the resolver, recomputer and mover to the lifecycle bus and to
// on-demand callers.
type Service struct {
	registry   *metadata.Registry
	store      persistence.Store
	resolver   *Resolver
	recomputer *Recomputer
	mover      *Mover
	notifier   Notifier
	maxDepth   int
}

func NewService(reg *metadata.Registry, st persistence.Store, journal Journal, notifier Notifier, opts Options) *Service {
	if opts.MaxCascadeDepth <= 0 {
		opts.MaxCascadeDepth = DefaultMaxCascadeDepth
	}
	return &Service{
		registry:   reg,
		store:      st,
		resolver:   NewResolver(reg, st),
		recomputer: NewRecomputer(reg, st),
		mover:      NewMover(reg, st, journal, notifier),
		notifier:   notifier,
		maxDepth:   opts.MaxCascadeDepth,
	}
}

// Subscribe registers the service for every lifecycle event on bus.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(s.HandleEvent)
}

// HandleEvent recomputes every filtered field affected by ev. Failures are
// logged per owner and never abort sibling work.
func (s *Service) HandleEvent(ctx context.Context, ev events.EntityChanged) {
	depth := cascadeDepth(ctx)
	if depth >= s.maxDepth {
		cascadeStops.Inc()
		log.WithFields(log.Fields{
			"collection": ev.CollectionID,
			"record":     ev.ID,
			"depth":      depth,
		}).Warn("cascade depth reached, change not propagated")
		return
	}
	ctx = withCascadeDepth(ctx, depth+1)

	for _, a := range s.resolver.Resolve(ctx, ev) {
		for _, ownerID := range a.OwnerIDs {
			c, err := s.recompute(ctx, a.Dependency, ownerID)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"collection": a.Dependency.Owner.Name,
					"owner":      ownerID,
					"field":      a.Dependency.Field,
				}).Error("recompute failed")
				continue
			}
			if c.Written {
				s.notify(ctx, c.OwnerID, a.Dependency.TargetCollection)
			}
		}
	}
}

// Compute recomputes one field of one owner and returns the fresh list whether
// or not a write happened.
// A field whose target collection is not registered yields an empty skipped view.
func (s *Service) Compute(ctx context.Context, owner, ownerID, field string) (*View, error) {
	dep, configured, err := s.dependency(owner, field)
	if err != nil {
		return nil, err
	}
	if !configured {
		recomputations.WithLabelValues("skipped").Inc()
		return skippedView(ownerID, field), nil
	}
	c, err := s.recompute(withCascadeDepth(ctx, 1), dep, ownerID)
	if err != nil {
		return nil, err
	}
	if c.Written {
		s.notify(ctx, c.OwnerID, dep.TargetCollection)
	}
	return buildView(s.registry, dep, c), nil
}

// Move runs the move saga for req.
func (s *Service) Move(ctx context.Context, req MoveRequest) (*MoveResult, error) {
	dep, configured, err := s.dependency(req.Owner, req.Field)
	if err != nil {
		return nil, err
	}
	if !configured {
		moves.WithLabelValues("skipped").Inc()
		return &MoveResult{}, nil
	}
	owner, err := s.store.FetchByID(ctx, dep.Owner.Name, req.OwnerID, nil)
	if err != nil {
		return nil, err
	}

	res, err := s.mover.Move(ctx, dep, dep.Owner.PublicID(owner), req)
	switch {
	case err != nil:
		var me *MoveError
		if errors.As(err, &me) {
			moves.WithLabelValues(me.Code).Inc()
		} else {
			moves.WithLabelValues("failed").Inc()
		}
	case res.Moved:
		moves.WithLabelValues("moved").Inc()
	default:
		moves.WithLabelValues("skipped").Inc()
	}
	return res, err
}

// StatusOptions returns the status values an operator may move to.
func (s *Service) StatusOptions(owner, field string) ([]string, error) {
	dep, configured, err := s.dependency(owner, field)
	if err != nil {
		return nil, err
	}
	if !configured {
		return []string{}, nil
	}
	return statusOptions(dep), nil
}

// dependency looks up the index entry for owner.field. configured is false for a
// filtered field whose target collection does not resolve; that is not an error.
func (s *Service) dependency(owner, field string) (metadata.Dependency, bool, error) {
	if dep, ok := s.registry.FilteredField(owner, field); ok {
		return dep, true, nil
	}
	if e := s.registry.GetEntity(owner); e != nil {
		if f := e.GetField(field); f != nil && f.IsFilteredRelation() {
			log.WithFields(log.Fields{
				"collection": owner,
				"field":      field,
				"target":     f.Filter.TargetCollection,
			}).Debug("filtered field skipped: target collection not registered")
			return metadata.Dependency{}, false, nil
		}
	}
	return metadata.Dependency{}, false, fmt.Errorf("%s.%s: %w", owner, field, ErrNotFiltered)
}

func (s *Service) recompute(ctx context.Context, dep metadata.Dependency, ownerID string) (*Computation, error) {
	start := time.Now()
	c, err := s.recomputer.Recompute(ctx, dep, ownerID)
	recomputeLatency.Observe(time.Since(start).Seconds())
	recomputations.WithLabelValues(recomputeOutcome(c, err)).Inc()
	return c, err
}

func (s *Service) notify(ctx context.Context, ownerID, targetCollection string) {
	if s.notifier != nil {
		s.notifier.Broadcast(ctx, notify.Refresh{OwnerID: ownerID, TargetCollection: targetCollection})
	}
}

type depthKey struct{}

func cascadeDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withCascadeDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}
