package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"

	"pidline/internal/actionlog"
	"pidline/internal/config"
	"pidline/internal/db"
	"pidline/internal/domain"
	"pidline/internal/mapper"
	"pidline/internal/metrics"
	"pidline/internal/registration"
	"pidline/internal/repo"
)

const (
	maxLoggedBody = 2048
	// DefaultLeaseTTL outlasts the longest allowed registration timeout.
	DefaultLeaseTTL = 10 * time.Minute
)

// ConfigSource resolves registration settings for an owning-record group.
type ConfigSource interface {
	Registration(ctx context.Context, group string) (config.Registration, error)
}

// Registrar talks to the registration endpoint.
type Registrar interface {
	Submit(ctx context.Context, identifier string, payload domain.Payload, target domain.IdentifierState, cfg config.Registration, landingURL string, isUpdate bool) (registration.Response, error)
	ChangeState(ctx context.Context, identifier, event string, cfg config.Registration) (registration.Response, error)
}

// Verifier checks public resolution of an identifier.
type Verifier interface {
	Resolve(ctx context.Context, identifier string, cfg config.Registration) (registration.Resolution, error)
}

// Manager owns identifier state. Every entry point serializes on the owning
// record, re-reads persisted state under that lock and writes exactly one
// action log entry. The lock is an in-process mutex backed by a lease row in
// the workspace, so Managers in other processes are excluded too.
type Manager struct {
	Repo     repo.Repo
	Configs  ConfigSource
	Mapper   *mapper.Mapper
	Client   Registrar
	Resolver Verifier
	Audit    actionlog.Recorder
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	LeaseTTL time.Duration

	locks  *mapmutex.Mutex
	holder string
}

func New(r repo.Repo, configs ConfigSource, client Registrar, resolver Verifier) *Manager {
	return &Manager{
		Repo:     r,
		Configs:  configs,
		Mapper:   mapper.New(),
		Client:   client,
		Resolver: resolver,
		Audit:    actionlog.Writer{Store: r},
		Log:      slog.Default(),
		Now:      time.Now,
		LeaseTTL: DefaultLeaseTTL,
		holder:   uuid.NewString(),
		// about one second of backoff before reporting busy
		locks: mapmutex.NewCustomizedMapMutex(40, 50_000_000, 1_000_000, 1.3, 0.2),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

type operation struct {
	action   domain.Action
	recordID int64
	actor    string
	ident    *domain.IdentifierRecord
	before   domain.IdentifierState
	after    domain.IdentifierState
	details  map[string]any
}

func (m *Manager) run(ctx context.Context, action domain.Action, recordID int64, actor string, fn func(context.Context, *operation) Result) Result {
	op := &operation{action: action, recordID: recordID, actor: actor, before: domain.StateNone, details: map[string]any{}}
	var res Result
	release, err := m.lock(ctx, recordID)
	switch {
	case errors.Is(err, ErrBusy):
		res = failure(KindBusy, err.Error())
		m.observe(ctx, op)
	case err != nil:
		res = internalFailure(err)
	default:
		func() {
			defer release()
			res = m.call(ctx, op, fn)
		}()
	}
	res.Action = action
	if op.after == "" || !res.OK {
		op.after = op.before
	}
	if res.State == "" {
		res.State = op.after
	}
	if res.Identifier == "" && op.ident != nil {
		res.Identifier = op.ident.Identifier
	}
	m.finish(ctx, op, res)
	return res
}

// lock takes the in-process mutex for recordID, then the workspace lease.
// Contention on either returns ErrBusy.
func (m *Manager) lock(ctx context.Context, recordID int64) (func(), error) {
	if !m.locks.TryLock(recordID) {
		return nil, ErrBusy
	}
	now := m.now()
	ttl := m.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	ok, err := m.Repo.AcquireRecordLock(ctx, recordID, m.holder, db.FormatTime(now), db.FormatTime(now.Add(ttl)))
	if err != nil || !ok {
		m.locks.Unlock(recordID)
		if err != nil {
			return nil, fmt.Errorf("acquire lease on record %d: %w", recordID, err)
		}
		return nil, ErrBusy
	}
	return func() {
		if err := m.Repo.ReleaseRecordLock(context.WithoutCancel(ctx), recordID, m.holder); err != nil {
			m.logger().Error("release record lease", "record_id", recordID, "error", err)
		}
		m.locks.Unlock(recordID)
	}, nil
}

// call runs fn, reporting a panic as an internal failure so the attempt is
// still logged.
func (m *Manager) call(ctx context.Context, op *operation, fn func(context.Context, *operation) Result) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			m.logger().Error("lifecycle operation panicked", "action", op.action, "record_id", op.recordID, "panic", p)
			res = internalFailure(fmt.Errorf("panic: %v", p))
		}
	}()
	return fn(ctx, op)
}

// observe records the persisted state without holding the lock.
func (m *Manager) observe(ctx context.Context, op *operation) {
	cur, err := m.Repo.GetIdentifierByRecord(ctx, nil, op.recordID)
	if err != nil {
		return
	}
	op.ident = &cur
	op.before = cur.State
}

func (m *Manager) logger() *slog.Logger {
	if m.Log == nil {
		return slog.Default()
	}
	return m.Log
}

func (m *Manager) finish(ctx context.Context, op *operation, res Result) {
	op.details["ok"] = res.OK
	op.details["message"] = res.Message
	if !res.OK {
		op.details["kind"] = string(res.Kind)
	}
	if res.StatusCode != 0 {
		op.details["status_code"] = res.StatusCode
	}
	if res.Identifier != "" {
		op.details["identifier"] = res.Identifier
	}
	entry := domain.ActionLogEntry{
		RecordID:    op.recordID,
		Action:      domain.LogActionFor(op.action, res.OK),
		StateBefore: op.before,
		StateAfter:  op.after,
		Details:     op.details,
		ActorID:     op.actor,
		TS:          db.FormatTime(m.now()),
	}
	if op.ident != nil && op.ident.ID != "" {
		id := op.ident.ID
		entry.IdentifierID = &id
	}
	if m.Audit != nil {
		m.Audit.Record(ctx, entry)
	}
	m.Metrics.IncOperation(string(op.action), res.outcome())

	log := m.logger()
	attrs := []any{"action", op.action, "record_id", op.recordID, "state_before", op.before, "state_after", op.after}
	if res.OK {
		log.Info("lifecycle operation succeeded", append(attrs, "identifier", res.Identifier)...)
	} else {
		log.Warn("lifecycle operation failed", append(attrs, "kind", res.Kind, "message", res.Message)...)
	}
}

// current loads the identifier for op's record into op. A missing
// identifier is reported as a precondition failure.
func (m *Manager) current(ctx context.Context, op *operation) (*Result, bool) {
	cur, err := m.Repo.GetIdentifierByRecord(ctx, nil, op.recordID)
	if errors.Is(err, repo.ErrNotFound) {
		r := failure(KindPrecondition, fmt.Sprintf("record %d: %v", op.recordID, ErrNotMinted))
		return &r, false
	}
	if err != nil {
		r := internalFailure(err)
		return &r, false
	}
	op.ident = &cur
	op.before = cur.State
	return nil, true
}

func (m *Manager) registrationFor(ctx context.Context, group string) (config.Registration, *Result) {
	cfg, err := m.Configs.Registration(ctx, group)
	if errors.Is(err, config.ErrNotConfigured) {
		r := failure(KindConfig, fmt.Sprintf("%v for group %q", ErrNoConfig, group))
		return cfg, &r
	}
	if err != nil {
		r := internalFailure(err)
		return cfg, &r
	}
	return cfg, nil
}

func (m *Manager) loadRecord(ctx context.Context, id int64) (domain.SourceRecord, *Result) {
	rec, err := m.Repo.GetRecord(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		r := failure(KindPrecondition, fmt.Sprintf("source record %d not found", id))
		return rec, &r
	}
	if err != nil {
		r := internalFailure(err)
		return rec, &r
	}
	return rec, nil
}

func precondition(err error) Result {
	return failure(KindPrecondition, err.Error())
}

// IdentifierFor builds the identifier string for rec: the configured prefix
// and the expanded suffix template.
func (m *Manager) IdentifierFor(rec domain.SourceRecord, cfg config.Registration) string {
	tmpl := cfg.SuffixTemplate
	if tmpl == "" {
		tmpl = config.DefaultSuffixTemplate
	}
	return cfg.Prefix + "/" + mapper.ExpandTemplate(tmpl, rec, "", m.now())
}

// LandingURL is the public page an identifier resolves to: the slug under
// the landing base, falling back to the numeric record id.
func LandingURL(rec domain.SourceRecord, cfg config.Registration) string {
	if cfg.LandingBaseURL == "" {
		return ""
	}
	if rec.Slug != "" {
		return cfg.LandingBaseURL + "/" + url.PathEscape(rec.Slug)
	}
	return cfg.LandingBaseURL + "/" + strconv.FormatInt(rec.ID, 10)
}

// Mint registers a new identifier for recordID in target state. An empty
// target uses the group's configured default state.
func (m *Manager) Mint(ctx context.Context, recordID int64, target domain.IdentifierState, actor string) (Result, error) {
	if target != "" && !target.Mintable() {
		return Result{}, fmt.Errorf("invalid mint target state %q", target)
	}
	return m.run(ctx, domain.ActionMint, recordID, actor, func(ctx context.Context, op *operation) Result {
		existing, err := m.Repo.GetIdentifierByRecord(ctx, nil, recordID)
		if err == nil {
			op.ident = &existing
			op.before = existing.State
			return precondition(fmt.Errorf("record %d: %w (%s)", recordID, ErrAlreadyMinted, existing.Identifier))
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return internalFailure(err)
		}
		rec, fail := m.loadRecord(ctx, recordID)
		if fail != nil {
			return *fail
		}
		cfg, fail := m.registrationFor(ctx, rec.RepositoryCode)
		if fail != nil {
			return *fail
		}
		if target == "" {
			target = cfg.DefaultState
		}
		next, err := Next(domain.StateNone, domain.ActionMint, target)
		if err != nil {
			return precondition(err)
		}

		identifier := m.IdentifierFor(rec, cfg)
		payload := m.Mapper.BuildPayload(rec, identifier, cfg)
		landing := LandingURL(rec, cfg)
		op.details["target_state"] = string(next)
		op.details["url"] = landing
		resp, err := m.Client.Submit(ctx, identifier, payload, next, cfg, landing, false)
		if err != nil {
			res := registrationFailure(err)
			res.Identifier = identifier
			noteRegistrationError(op, err)
			return res
		}

		now := db.FormatTime(m.now())
		body, err := submittedPayload(payload, identifier, next, landing)
		if err != nil {
			return internalFailure(err)
		}
		ident := domain.IdentifierRecord{
			ID:                    uuid.NewString(),
			Identifier:            identifier,
			RecordID:              recordID,
			GroupCode:             rec.RepositoryCode,
			State:                 next,
			LastRegisteredPayload: body,
			LastSyncAt:            &now,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := m.Repo.InsertIdentifier(ctx, nil, ident); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return precondition(fmt.Errorf("record %d: %w", recordID, ErrAlreadyMinted))
			}
			op.details["registered_identifier"] = identifier
			return Result{
				Kind:       KindUnreconciled,
				Identifier: identifier,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("registered %s but could not persist it: %v", identifier, err),
			}
		}
		op.ident = &ident
		op.after = next
		return Result{OK: true, Message: "minted " + identifier, Identifier: identifier, State: next, StatusCode: resp.StatusCode}
	}), nil
}

// Update resubmits the current metadata without changing state.
func (m *Manager) Update(ctx context.Context, recordID int64, actor string) (Result, error) {
	return m.run(ctx, domain.ActionUpdate, recordID, actor, func(ctx context.Context, op *operation) Result {
		if fail, ok := m.current(ctx, op); !ok {
			return *fail
		}
		cur := *op.ident
		next, err := Next(cur.State, domain.ActionUpdate, "")
		if err != nil {
			return precondition(err)
		}
		rec, fail := m.loadRecord(ctx, recordID)
		if fail != nil {
			return *fail
		}
		cfg, fail := m.registrationFor(ctx, rec.RepositoryCode)
		if fail != nil {
			return *fail
		}
		payload := m.Mapper.BuildPayload(rec, cur.Identifier, cfg)
		landing := LandingURL(rec, cfg)
		op.details["url"] = landing
		resp, err := m.Client.Submit(ctx, cur.Identifier, payload, next, cfg, landing, true)
		if err != nil {
			noteRegistrationError(op, err)
			return registrationFailure(err)
		}
		body, err := submittedPayload(payload, cur.Identifier, next, landing)
		if err != nil {
			return internalFailure(err)
		}
		now := db.FormatTime(m.now())
		cur.LastRegisteredPayload = body
		cur.LastSyncAt = &now
		cur.UpdatedAt = now
		if err := m.Repo.UpdateIdentifier(ctx, nil, cur); err != nil {
			return internalFailure(err)
		}
		op.ident = &cur
		op.after = next
		return Result{OK: true, Message: "updated " + cur.Identifier, StatusCode: resp.StatusCode}
	}), nil
}

// Verify checks public resolution. It never changes state.
func (m *Manager) Verify(ctx context.Context, recordID int64, actor string) (Result, error) {
	return m.run(ctx, domain.ActionVerify, recordID, actor, func(ctx context.Context, op *operation) Result {
		if fail, ok := m.current(ctx, op); !ok {
			return *fail
		}
		cur := *op.ident
		if _, err := Next(cur.State, domain.ActionVerify, ""); err != nil {
			return precondition(err)
		}
		cfg, err := m.Configs.Registration(ctx, cur.GroupCode)
		if err != nil && !errors.Is(err, config.ErrNotConfigured) {
			return internalFailure(err)
		}
		res, err := m.Resolver.Resolve(ctx, cur.Identifier, cfg)
		op.details["resolver_url"] = res.URL
		if err != nil {
			return registrationFailure(err)
		}
		op.details["target"] = res.Target
		op.details["redirects"] = res.Redirects
		if !res.OK {
			return Result{Kind: KindRejected, Retryable: true, StatusCode: res.StatusCode,
				Message: fmt.Sprintf("%s did not resolve (HTTP %d)", cur.Identifier, res.StatusCode)}
		}
		return Result{OK: true, StatusCode: res.StatusCode, Message: fmt.Sprintf("%s resolves to %s", cur.Identifier, res.Target)}
	}), nil
}

// Deactivate hides a live identifier. The identifier string and its
// landing page stay resolvable.
func (m *Manager) Deactivate(ctx context.Context, recordID int64, reason, actor string) (Result, error) {
	return m.run(ctx, domain.ActionDeactivate, recordID, actor, func(ctx context.Context, op *operation) Result {
		if fail, ok := m.current(ctx, op); !ok {
			return *fail
		}
		cur := *op.ident
		op.details["reason"] = reason
		next, err := Next(cur.State, domain.ActionDeactivate, "")
		if err != nil {
			return precondition(err)
		}
		return m.changeState(ctx, op, cur, next, registration.EventHide, &reason)
	}), nil
}

// Reactivate makes a deleted identifier findable again.
func (m *Manager) Reactivate(ctx context.Context, recordID int64, actor string) (Result, error) {
	return m.run(ctx, domain.ActionReactivate, recordID, actor, func(ctx context.Context, op *operation) Result {
		if fail, ok := m.current(ctx, op); !ok {
			return *fail
		}
		cur := *op.ident
		next, err := Next(cur.State, domain.ActionReactivate, "")
		if err != nil {
			return precondition(err)
		}
		return m.changeState(ctx, op, cur, next, registration.EventPublish, nil)
	}), nil
}

func (m *Manager) changeState(ctx context.Context, op *operation, cur domain.IdentifierRecord, next domain.IdentifierState, event string, reason *string) Result {
	cfg, fail := m.registrationFor(ctx, cur.GroupCode)
	if fail != nil {
		return *fail
	}
	op.details["event"] = event
	resp, err := m.Client.ChangeState(ctx, cur.Identifier, event, cfg)
	if err != nil {
		noteRegistrationError(op, err)
		return registrationFailure(err)
	}
	now := db.FormatTime(m.now())
	cur.State = next
	cur.DeactivationReason = reason
	cur.LastSyncAt = &now
	cur.UpdatedAt = now
	if err := m.Repo.UpdateIdentifier(ctx, nil, cur); err != nil {
		return internalFailure(err)
	}
	op.ident = &cur
	op.after = next
	return Result{OK: true, Message: fmt.Sprintf("%s is now %s", cur.Identifier, next), StatusCode: resp.StatusCode}
}

// Dispatch runs a queued action. Actions that cannot be queued are a
// programming error.
func (m *Manager) Dispatch(ctx context.Context, action domain.Action, recordID int64, actor string) (Result, error) {
	switch action {
	case domain.ActionMint:
		return m.Mint(ctx, recordID, "", actor)
	case domain.ActionUpdate:
		return m.Update(ctx, recordID, actor)
	case domain.ActionVerify:
		return m.Verify(ctx, recordID, actor)
	}
	return Result{}, fmt.Errorf("action %q cannot be dispatched", action)
}

func submittedPayload(p domain.Payload, identifier string, state domain.IdentifierState, landing string) (json.RawMessage, error) {
	event, err := registration.EventFor(state)
	if err != nil {
		return nil, err
	}
	p.Identifier = identifier
	p.Event = event
	p.URL = landing
	return json.Marshal(p)
}

func noteRegistrationError(op *operation, err error) {
	var re *registration.Error
	if !errors.As(err, &re) {
		return
	}
	if re.Title != "" {
		op.details["error_title"] = re.Title
	}
	if re.Raw != "" {
		raw := re.Raw
		if len(raw) > maxLoggedBody {
			raw = raw[:maxLoggedBody]
		}
		op.details["response"] = raw
	}
}
