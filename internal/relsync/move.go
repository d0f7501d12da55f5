package relsync

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/notify"
	"filtered-relation/internal/persistence"
)

// MoveRequest asks to move RelatedID out of the display relation of RecordID
// and into the record matching Status.
type MoveRequest struct {
	Owner     string                `json:"-"`
	OwnerID   string                `json:"-"`
	Field     string                `json:"-"`
	RecordID  string                `json:"record_id"`
	RelatedID string                `json:"related_id"`
	Status    string                `json:"status"`
	User      *metadata.UserContext `json:"-"`
}

// MoveResult describes how far a move got. Moved is false when the field is not
// configured for moves.
type MoveResult struct {
	Moved               bool   `json:"moved"`
	JournalID           string `json:"journal_id,omitempty"`
	SourceRecordID      string `json:"source_record_id,omitempty"`
	DestinationRecordID string `json:"destination_record_id,omitempty"`
	Phase               Phase  `json:"phase,omitempty"`
}

// Notifier receives refresh signals after membership changes.
type Notifier interface {
	Broadcast(ctx context.Context, r notify.Refresh)
}

// Mover runs the source-matched, transit, destination-matched saga. Nothing is
// rolled back: a move that fails after the disconnect leaves the related record
// in transit and the journal says so.
type Mover struct {
	registry *metadata.Registry
	store    persistence.Store
	journal  Journal
	guards   *GuardEvaluator
	notifier Notifier
}

func NewMover(reg *metadata.Registry, st persistence.Store, journal Journal, notifier Notifier) *Mover {
	return &Mover{
		registry: reg,
		store:    st,
		journal:  journal,
		guards:   NewGuardEvaluator(),
		notifier: notifier,
	}
}

// Move executes req for the filtered field dep of the owner ownerID (public id).
func (m *Mover) Move(ctx context.Context, dep metadata.Dependency, ownerID string, req MoveRequest) (*MoveResult, error) {
	cfg := dep.Filter
	target := dep.Target
	logger := log.WithFields(log.Fields{
		"collection": target.Name,
		"owner":      ownerID,
		"field":      dep.Field,
		"record":     req.RecordID,
		"related":    req.RelatedID,
	})

	if cfg.StatusField == "" || cfg.FilterField1 == "" || req.Status == "" || target.IsIdentityField(cfg.DisplayField) {
		logger.Debug("move skipped: field not configured for moves")
		return &MoveResult{}, nil
	}
	rel := m.registry.FindRelationForEntity(cfg.DisplayField, target.Name)
	if rel == nil {
		logger.Debug("move skipped: display field is not a relation")
		return &MoveResult{}, nil
	}
	relatedEntity := m.registry.GetEntity(rel.Other(target.Name))

	// Source-Matched
	source, err := m.store.FetchByID(ctx, target.Name, req.RecordID, []string{cfg.DisplayField})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, sourceNotFound(target.Name, req.RecordID)
		}
		return nil, fmt.Errorf("fetch source record: %w", err)
	}
	sourceID := target.PublicID(source)
	related := findRelated(source[cfg.DisplayField], relatedEntity, req.RelatedID)
	if related == nil {
		return nil, relatedNotInSource(req.RelatedID, sourceID, cfg.DisplayField)
	}
	relatedID := publicID(relatedEntity, related)

	from := metadata.IDString(source[cfg.StatusField])
	env := map[string]any{
		"record":  source,
		"related": related,
		"from":    from,
		"to":      req.Status,
		"user":    userEnv(req.User),
	}
	if err := m.guards.CheckTransition(m.registry.GetStateMachine(target.Name, cfg.StatusField), from, req.Status, env, req.User); err != nil {
		return nil, err
	}

	entry := &JournalEntry{
		OwnerEntity:       dep.Owner.Name,
		OwnerID:           ownerID,
		Field:             dep.Field,
		TargetEntity:      target.Name,
		SourceRecordID:    sourceID,
		RelatedID:         relatedID,
		DestinationStatus: req.Status,
	}
	if req.User != nil {
		entry.CreatedBy = req.User.ID
	}
	if err := m.journal.Begin(ctx, entry); err != nil {
		return nil, err
	}
	logger = logger.WithField("journal", entry.ID)
	result := &MoveResult{JournalID: entry.ID, SourceRecordID: sourceID, Phase: PhaseSourceMatched}

	// Source-Matched -> Transit
	disconnect := persistence.Patch{Relations: map[string]persistence.RelationPatch{
		cfg.DisplayField: {Disconnect: []string{relatedID}},
	}}
	if _, err := m.store.Update(ctx, target.Name, sourceID, disconnect); err != nil {
		m.fail(ctx, logger, entry.ID, PhaseTransit, err)
		return result, fmt.Errorf("disconnect from source: %w", err)
	}
	result.Phase = PhaseTransit
	m.advance(ctx, logger, entry.ID, PhaseTransit, "")
	defer m.notify(ctx, ownerID, target)

	// Transit -> Destination-Matched
	candidates, err := m.store.Query(ctx, target.Name, BuildConstraints(withStatus(cfg, req.Status), ownerID), nil)
	if err != nil {
		m.fail(ctx, logger, entry.ID, PhaseDestinationMatched, err)
		return result, fmt.Errorf("query destination: %w", err)
	}
	if len(candidates) == 0 {
		moveErr := noDestination(req.Status)
		m.fail(ctx, logger, entry.ID, PhaseDestinationMatched, moveErr)
		return result, moveErr
	}
	destID := target.PublicID(candidates[0])

	connect := persistence.Patch{Relations: map[string]persistence.RelationPatch{
		cfg.DisplayField: {Connect: []string{relatedID}},
	}}
	if _, err := m.store.Update(ctx, target.Name, destID, connect); err != nil {
		m.fail(ctx, logger, entry.ID, PhaseDestinationMatched, err)
		return result, fmt.Errorf("connect to destination: %w", err)
	}
	m.advance(ctx, logger, entry.ID, PhaseDestinationMatched, destID)

	result.Moved = true
	result.Phase = PhaseDestinationMatched
	result.DestinationRecordID = destID
	logger.WithField("destination", destID).Info("related record moved")
	return result, nil
}

func (m *Mover) advance(ctx context.Context, logger *log.Entry, id string, phase Phase, destID string) {
	if err := m.journal.Advance(ctx, id, phase, destID); err != nil {
		logger.WithError(err).Error("journal advance failed")
	}
}

func (m *Mover) fail(ctx context.Context, logger *log.Entry, id string, phase Phase, cause error) {
	logger.WithError(cause).WithField("phase", phase).Warn("move failed")
	if err := m.journal.Fail(ctx, id, phase, cause); err != nil {
		logger.WithError(err).Error("journal fail failed")
	}
}

func (m *Mover) notify(ctx context.Context, ownerID string, target *metadata.Entity) {
	if m.notifier != nil {
		m.notifier.Broadcast(ctx, notify.Refresh{OwnerID: ownerID, TargetCollection: target.CollectionID()})
	}
}

// findRelated locates id among the records of a populated relation, matching
// the public id or the primary key.
func findRelated(v any, entity *metadata.Entity, id string) map[string]any {
	for _, rec := range relatedRecords(v) {
		if publicID(entity, rec) == id {
			return rec
		}
		if entity != nil && metadata.IDString(rec[entity.PrimaryKey.Field]) == id {
			return rec
		}
	}
	return nil
}

func userEnv(u *metadata.UserContext) map[string]any {
	if u == nil {
		return map[string]any{"id": "", "roles": []string{}}
	}
	return map[string]any{"id": u.ID, "email": u.Email, "roles": u.Roles}
}
