package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dossierline/internal/config"
	"dossierline/internal/domain"
	"dossierline/internal/events"
	"dossierline/internal/matcher"
	"dossierline/internal/repo"
	"dossierline/internal/telemetry"
)

const scopeName = "dossierline/engine"

const systemActor = "system"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time

	Circuits  CircuitSource
	Dossiers  DossierStore
	Documents DocumentSource
	Catalog   CatalogSource
	Mappings  MappingSource
	Statuses  StepStatusStore
	Exams     ExamService
	Cache     *CompletionCache
}

// New wires every port to the sqlite repo.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	logger := slog.Default()
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Bus:       events.NewBus(events.WithLogger(logger)),
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		Circuits:  r,
		Dossiers:  r,
		Documents: r,
		Catalog:   r,
		Mappings:  r,
		Statuses:  r,
		Exams:     r,
		Cache:     NewCompletionCache(r, logger),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) labels() Labels {
	return LabelsFromConfig(e.config())
}

type instrumentSet struct {
	transitions metric.Int64Counter
	recomputes  metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	instrumentsVal  instrumentSet
)

func instruments() instrumentSet {
	instrumentsOnce.Do(func() {
		m := telemetry.Meter(scopeName)
		instrumentsVal.transitions, _ = m.Int64Counter("dossierline.transitions",
			metric.WithDescription("Step transitions attempted, by outcome"))
		instrumentsVal.recomputes, _ = m.Int64Counter("dossierline.recomputes",
			metric.WithDescription("Completion recomputations"))
	})
	return instrumentsVal
}

func startSpan(ctx context.Context, name, dossierID string) (context.Context, trace.Span) {
	return telemetry.Tracer(scopeName).Start(ctx, name, trace.WithAttributes(attribute.String("dossier.id", dossierID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// state is everything known about one dossier for a single evaluation.
type state struct {
	dossier    domain.Dossier
	circuit    domain.Circuit
	docs       []domain.Document
	docsLoaded bool
	matcher    *matcher.Matcher
	session    *domain.ExamSession
	results    []domain.ExamResult
	persisted  StepSet
	merge      MergeResult
}

// load reads the dossier and fans out to every collaborator. Collaborator
// failures degrade to empty results.
func (e Engine) load(ctx context.Context, dossierID string) (*state, error) {
	d, err := e.Dossiers.GetDossier(ctx, dossierID)
	if err != nil {
		return nil, err
	}
	st := &state{dossier: d}
	var (
		catalog  []domain.PieceJustification
		mappings map[string]domain.PieceMapping
		records  []domain.StepStatusRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.Circuits.GetCircuitByKey(gctx, d.RequestType)
		if err != nil {
			e.degraded("circuit", dossierID, err)
			return nil
		}
		st.circuit = c
		return nil
	})
	g.Go(func() error {
		docs, err := e.Documents.ListDocumentsForDossier(gctx, dossierID)
		if err != nil {
			e.degraded("documents", dossierID, err)
			return nil
		}
		st.docs, st.docsLoaded = docs, true
		return nil
	})
	g.Go(func() error {
		var err error
		if catalog, err = e.Catalog.ListPieceJustifications(gctx); err != nil {
			e.degraded("catalog", dossierID, err)
			catalog = nil
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if mappings, err = e.Mappings.ListPieceMappings(gctx); err != nil {
			e.degraded("mappings", dossierID, err)
			mappings = nil
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if records, err = e.Statuses.ListStepStatuses(gctx, dossierID); err != nil {
			e.degraded("step statuses", dossierID, err)
			records = nil
		}
		return nil
	})
	g.Go(func() error {
		s, err := e.Exams.GetExamSession(gctx, dossierID)
		switch {
		case err == nil:
			st.session = &s
		case !errors.Is(err, domain.ErrNotFound):
			e.degraded("exam session", dossierID, err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := e.Exams.ListExamResults(gctx, dossierID)
		if err != nil {
			e.degraded("exam results", dossierID, err)
			return nil
		}
		st.results = res
		return nil
	})
	g.Go(func() error {
		st.persisted = e.Cache.Load(gctx, dossierID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st.circuit = overlayStatuses(st.circuit, records)
	st.matcher = matcher.New(catalog, mappings)
	st.merge = Merge(MergeInput{
		Circuit:          st.circuit,
		Persisted:        st.persisted,
		Documents:        st.docs,
		Matcher:          st.matcher,
		Labels:           e.labels(),
		DocumentsLoaded:  st.docsLoaded,
		RetainUnverified: e.config().RetainUnverified(),
	})
	return st, nil
}

func (e Engine) degraded(what, dossierID string, err error) {
	e.logger().Warn("lookup failed, continuing without it", "lookup", what, "dossier_id", dossierID, "err", err)
}

// overlayStatuses copies the circuit and attaches each step's status record.
func overlayStatuses(c domain.Circuit, records []domain.StepStatusRecord) domain.Circuit {
	byStep := make(map[string]domain.StepStatusRecord, len(records))
	for _, r := range records {
		byStep[r.StepID] = r
	}
	steps := make([]domain.Step, len(c.Steps))
	for i, s := range c.Steps {
		if r, ok := byStep[s.ID]; ok {
			s.StatusLabel = r.Label
			s.StatusRecordID = r.ID
		}
		steps[i] = s
	}
	c.Steps = steps
	return c
}

func (e Engine) progress(st *state) domain.Progress {
	completed := st.merge.Completed
	computed := completed.Union(st.merge.ServerCompleted)
	labels := e.labels()
	views := make([]domain.StepView, 0, len(st.circuit.Steps))
	for i, s := range st.circuit.Steps {
		var prev *domain.Step
		if i > 0 {
			prev = &st.circuit.Steps[i-1]
		}
		res := StepStatus(StatusInput{
			Step:        s,
			Previous:    prev,
			Completed:   completed,
			Computed:    computed,
			Documents:   st.docs,
			Matcher:     st.matcher,
			Labels:      labels,
			ExamSession: st.session != nil,
		})
		views = append(views, domain.StepView{
			Step:   s,
			State:  res.State,
			Reason: res.Reason,
			Pieces: PieceViews(s, st.docs, st.matcher),
		})
	}
	return domain.Progress{
		DossierID:     st.dossier.ID,
		CircuitID:     st.circuit.ID,
		Steps:         views,
		Completed:     computed.Sorted(),
		CurrentStepID: CurrentStep(st.circuit, computed),
		Percent:       ProgressPercent(st.circuit, computed),
		AllCompleted:  AllCompleted(st.circuit, computed),
		Status:        CaseStatusFor(st.circuit, computed),
		CacheDegraded: e.Cache != nil && e.Cache.Degraded(),
	}
}

// Recompute re-derives a dossier's completion, persists it when it changed
// and refreshes the case status.
func (e Engine) Recompute(ctx context.Context, dossierID string) (p domain.Progress, err error) {
	ctx, span := startSpan(ctx, "engine.Recompute", dossierID)
	defer func() { endSpan(span, err) }()
	instruments().recomputes.Add(ctx, 1)

	st, err := e.load(ctx, dossierID)
	if err != nil {
		return domain.Progress{}, err
	}
	return e.commit(ctx, st), nil
}

func (e Engine) commit(ctx context.Context, st *state) domain.Progress {
	if st.merge.Changed {
		e.Cache.Save(ctx, st.dossier.ID, st.merge.Completed)
	}
	p := e.progress(st)
	if len(st.circuit.Steps) == 0 || p.Status == st.dossier.Status {
		return p
	}
	if err := e.Dossiers.UpdateDossierStatus(ctx, st.dossier.ID, p.Status); err != nil {
		e.logger().Warn("case status not stored", "dossier_id", st.dossier.ID, "status", p.Status, "err", err)
		return p
	}
	payload := events.EventPayload{"from": st.dossier.Status, "to": p.Status, "percent": p.Percent}
	if err := e.Events.Append(ctx, nil, "case.status.updated", st.dossier.ID, "dossier", st.dossier.ID, systemActor, payload); err != nil {
		e.logger().Warn("event not recorded", "type", "case.status.updated", "err", err)
	}
	e.publish(events.TopicCaseStatusUpdated, st.dossier.ID, st.dossier.ID, payload)
	e.logger().Info("case status updated", "dossier_id", st.dossier.ID, "from", st.dossier.Status, "to", p.Status)
	return p
}

func (e Engine) publish(topic events.Topic, dossierID, entityID string, payload map[string]any) {
	e.Bus.Publish(events.Message{Topic: topic, DossierID: dossierID, EntityID: entityID, Payload: payload, At: e.now().UTC()})
}

// Listen recomputes dossiers when documents or exam sessions change. It
// returns when ctx is done.
func (e Engine) Listen(ctx context.Context) error {
	if e.Bus == nil {
		return errors.New("engine has no bus")
	}
	sub := e.Bus.Subscribe(events.TopicDocumentUploaded, events.TopicDocumentValidated, events.TopicExamSessionCreated)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			if _, err := e.Recompute(ctx, msg.DossierID); err != nil {
				e.logger().Error("recompute failed", "dossier_id", msg.DossierID, "topic", msg.Topic, "err", err)
			}
		}
	}
}
