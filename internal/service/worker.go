package service

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/mnemo/internal/entity"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/policy"
	"github.com/ent0n29/mnemo/internal/prefs"
	"github.com/ent0n29/mnemo/internal/turnlog"
)

// worker serializes turn ingestion for one session so turns become visible
// strictly in turn ID order. Each session gets its own worker; sessions
// proceed in parallel.
type worker struct {
	svc        *Service
	sessionID  string
	customerID string
	jobs       chan ingestJob
	quit       chan struct{}
}

type ingestJob struct {
	ctx   context.Context
	req   AppendRequest
	reply chan ingestReply
}

type ingestReply struct {
	res AppendResult
	err error
}

func newWorker(svc *Service, sessionID, customerID string) *worker {
	w := &worker{
		svc:        svc,
		sessionID:  sessionID,
		customerID: customerID,
		jobs:       make(chan ingestJob, 16),
		quit:       make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) stop() {
	close(w.quit)
}

func (w *worker) submit(ctx context.Context, req AppendRequest) (AppendResult, error) {
	job := ingestJob{ctx: ctx, req: req, reply: make(chan ingestReply, 1)}
	select {
	case w.jobs <- job:
	case <-w.quit:
		return AppendResult{}, ErrSessionNotFound
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}

	select {
	case r := <-job.reply:
		return r.res, r.err
	case <-w.quit:
		// The session was evicted after the job was accepted but before
		// the loop got to it; the loop has exited and will never reply.
		return AppendResult{}, ErrSessionNotFound
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

func (w *worker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case job := <-w.jobs:
			res, err := w.ingest(job.ctx, job.req)
			job.reply <- ingestReply{res: res, err: err}
		}
	}
}

// ingest runs the full pipeline for one turn: redact, append durably,
// update the registry, push into working memory, index for long-term
// retrieval, propose preferences, compact the window if it overgrew.
func (w *worker) ingest(ctx context.Context, req AppendRequest) (AppendResult, error) {
	start := time.Now()
	var res AppendResult

	text, redacted := policy.RedactPII(req.Text)
	turn := turnlog.Turn{
		TurnID:      req.TurnID,
		SessionID:   w.sessionID,
		Timestamp:   time.Now().UTC(),
		Speaker:     req.Speaker,
		Text:        text,
		Intent:      req.Intent,
		Entities:    req.Entities,
		Preferences: req.Preferences,
		PIIRedacted: redacted,
	}

	turnID, err := w.svc.turns.Append(ctx, turn)
	if err != nil {
		if errors.Is(err, turnlog.ErrDuplicateTurn) {
			// Retry of an already-durable turn: report success, do not
			// re-run side effects.
			res.TurnID = req.TurnID
			res.Duplicate = true
			return res, nil
		}
		return res, err
	}
	turn.TurnID = turnID
	res.TurnID = turnID
	if w.svc.metrics != nil {
		w.svc.metrics.TurnsAppended.Inc()
	}

	// Malformed annotations drop the entity, never the turn.
	for _, e := range req.Entities {
		if _, err := w.svc.registry.RegisterMention(w.sessionID, turnID, e); err != nil {
			if errors.Is(err, entity.ErrMalformedAnnotation) {
				res.DroppedEntities++
				if w.svc.metrics != nil {
					w.svc.metrics.AnnotationsDropped.Inc()
				}
				continue
			}
		}
	}

	if err := w.svc.cache.AppendTurn(w.sessionID, turn); err != nil {
		return res, err
	}
	_ = w.svc.cache.Touch(w.sessionID)

	if w.svc.index != nil {
		w.svc.index.Add(w.customerID, turn)
	}

	for _, ep := range req.Preferences {
		p := prefs.Preference{
			CustomerID: w.customerID,
			SessionID:  w.sessionID,
			Category:   ep.Category,
			Attribute:  ep.Attribute,
			Value:      ep.Value,
			Sentiment:  ep.Sentiment,
			Confidence: ep.Confidence,
			Strength:   strengthFor(ep),
			Source:     prefs.Source(ep.Source),
		}
		if _, err := w.svc.ProposePreference(ctx, p); err != nil {
			res.ProposalErrors++
		}
	}

	if digest, err := w.svc.windows.SummarizeWindow(w.sessionID); err == nil && digest != "" {
		res.WindowDigest = digest
		w.svc.publish(w.sessionID, Event{
			Type:       EventWindowSummarized,
			SessionID:  w.sessionID,
			CustomerID: w.customerID,
			Detail:     digest,
		})
	}

	if w.svc.metrics != nil {
		w.svc.metrics.ObserveStage(observability.StageAppendTurn, time.Since(start))
	}
	w.svc.publish(w.sessionID, Event{
		Type:       EventTurnAppended,
		SessionID:  w.sessionID,
		CustomerID: w.customerID,
		TurnID:     turnID,
	})
	return res, nil
}

// strengthFor defaults missing strength to the confidence of an explicit
// statement and half of it for an inferred one.
func strengthFor(ep turnlog.ExtractedPreference) float64 {
	if prefs.Source(ep.Source) == prefs.SourceExplicit {
		return ep.Confidence
	}
	return ep.Confidence / 2
}
