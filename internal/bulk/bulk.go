package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"pidline/internal/config"
	"pidline/internal/domain"
	"pidline/internal/lifecycle"
	"pidline/internal/queue"
	"pidline/internal/repo"
)

const pageSize = 200

// Updater runs the synchronous update used by Resync.
type Updater interface {
	Update(ctx context.Context, recordID int64, actor string) (lifecycle.Result, error)
}

// Enqueuer creates queue jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (domain.Job, bool, error)
}

// ConfigSource resolves registration settings per group.
type ConfigSource interface {
	Registration(ctx context.Context, group string) (config.Registration, error)
}

// Service runs lifecycle actions over many identifiers.
type Service struct {
	Repo    repo.Repo
	Updater Updater
	Queue   Enqueuer
	Configs ConfigSource
	Log     *slog.Logger
}

// Filter selects identifiers in registerable states. A State of deleted
// selects nothing.
type Filter struct {
	Group string                 `json:"group,omitempty"`
	State domain.IdentifierState `json:"state,omitempty"`
	Limit int                    `json:"limit,omitempty"`
}

type Failure struct {
	RecordID   int64  `json:"record_id"`
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
}

type Report struct {
	Selected  int       `json:"selected"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Service) selectIdentifiers(ctx context.Context, f Filter) ([]domain.IdentifierRecord, error) {
	if f.State == domain.StateDeleted {
		return nil, nil
	}
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("invalid state %q", f.State)
	}
	return s.Repo.ListIdentifiers(ctx, repo.IdentifierFilters{
		GroupCode:      f.Group,
		State:          f.State,
		ExcludeDeleted: true,
		Limit:          f.Limit,
	})
}

// Resync resubmits metadata for every selected identifier, one at a time.
func (s *Service) Resync(ctx context.Context, f Filter, actor string) (Report, error) {
	idents, err := s.selectIdentifiers(ctx, f)
	if err != nil {
		return Report{}, err
	}
	report := Report{Selected: len(idents)}
	for _, ident := range idents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := s.Updater.Update(ctx, ident.RecordID, actor)
		if err != nil {
			return report, err
		}
		if res.OK {
			report.Succeeded++
			continue
		}
		report.Failed++
		report.Failures = append(report.Failures, Failure{RecordID: ident.RecordID, Identifier: ident.Identifier, Message: res.Message})
	}
	s.log().Info("bulk resync finished", "selected", report.Selected, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

// Enqueue queues action for every selected identifier and returns the
// number of jobs created. Identifiers that already have a pending job for
// the action are not counted.
func (s *Service) Enqueue(ctx context.Context, f Filter, action domain.Action, priority int) (int, error) {
	if !action.Queueable() {
		return 0, fmt.Errorf("%w: %s", queue.ErrNotQueueable, action)
	}
	idents, err := s.selectIdentifiers(ctx, f)
	if err != nil {
		return 0, err
	}
	var n int
	for _, ident := range idents {
		_, created, err := s.Queue.Enqueue(ctx, queue.EnqueueRequest{RecordID: ident.RecordID, Action: action, Priority: priority})
		if err != nil {
			return n, fmt.Errorf("enqueue record %d: %w", ident.RecordID, err)
		}
		if created {
			n++
		}
	}
	s.log().Info("bulk enqueue finished", "action", action, "selected", len(idents), "enqueued", n)
	return n, nil
}

// AutoMintReport summarizes an auto-mint sweep.
type AutoMintReport struct {
	Scanned  int `json:"scanned"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// AutoMint queues mint jobs for unminted records whose group has auto-mint
// enabled and whose level and digital object status qualify. limit bounds
// the number of jobs created; zero means no bound.
func (s *Service) AutoMint(ctx context.Context, limit, priority int) (AutoMintReport, error) {
	var report AutoMintReport
	var after int64
	for {
		recs, err := s.Repo.ListRecords(ctx, repo.RecordFilters{WithoutIdentifier: true, AfterID: after, Limit: pageSize})
		if err != nil {
			return report, err
		}
		for _, rec := range recs {
			after = rec.ID
			report.Scanned++
			ok, err := s.eligible(ctx, rec)
			if err != nil {
				return report, err
			}
			if !ok {
				report.Skipped++
				continue
			}
			_, created, err := s.Queue.Enqueue(ctx, queue.EnqueueRequest{RecordID: rec.ID, Action: domain.ActionMint, Priority: priority})
			if err != nil {
				return report, fmt.Errorf("enqueue record %d: %w", rec.ID, err)
			}
			if !created {
				report.Skipped++
				continue
			}
			report.Enqueued++
			if limit > 0 && report.Enqueued >= limit {
				return report, nil
			}
		}
		if len(recs) < pageSize {
			break
		}
	}
	s.log().Info("auto-mint sweep finished", "scanned", report.Scanned, "enqueued", report.Enqueued, "skipped", report.Skipped)
	return report, nil
}

func (s *Service) eligible(ctx context.Context, rec domain.SourceRecord) (bool, error) {
	cfg, err := s.Configs.Registration(ctx, rec.RepositoryCode)
	if errors.Is(err, config.ErrNotConfigured) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cfg.AutoMint.IsEnabled() {
		return false, nil
	}
	if len(cfg.AutoMint.Levels) > 0 && !slices.Contains(cfg.AutoMint.Levels, rec.Level) {
		return false, nil
	}
	if cfg.AutoMint.DigitalObjectRequired() && !rec.HasDigitalObject {
		return false, nil
	}
	return true, nil
}
