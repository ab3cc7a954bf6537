// Package delivery turns inbound report notifications into registry
// submissions.
//
// Each notification runs once through a fixed state machine:
//
//	RECEIVED -> PERIOD_RESOLVED -> ORGUNIT_RESOLVED -> TRANSFORMED -> SUBMITTED -> COMPLETED
//
// Any step after validation may end in FAILED, which stores the original
// notification as a checkpoint for operator replay. The pipeline never
// retries a registry write itself.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reportbridge/internal/checkpoint"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/failure"
	"reportbridge/internal/notification"
	"reportbridge/internal/period"
	"reportbridge/internal/registry"
	"reportbridge/internal/storage"
	logx "reportbridge/pkg/logx"
)

type State string

const (
	Received        State = "RECEIVED"
	PeriodResolved  State = "PERIOD_RESOLVED"
	OrgUnitResolved State = "ORGUNIT_RESOLVED"
	Transformed     State = "TRANSFORMED"
	Submitted       State = "SUBMITTED"
	Completed       State = "COMPLETED"
	Failed          State = "FAILED"
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	State        State                     `json:"state"`
	Reached      State                     `json:"reached"`
	Completed    bool                      `json:"completed"`
	Cause        string                    `json:"cause,omitempty"`
	Period       string                    `json:"period,omitempty"`
	OrgUnit      string                    `json:"orgUnit,omitempty"`
	CheckpointID string                    `json:"checkpointId,omitempty"`
	Notification notification.Notification `json:"-"`
	// Err is the classified failure of a FAILED outcome.
	Err error `json:"-"`
}

// Registry is the registry surface the pipeline calls.
type Registry interface {
	DataSetByCode(ctx context.Context, code string) (registry.DataSet, error)
	DataElementCodes(ctx context.Context, dataSetCode string) ([]string, error)
	SubmitDataValueSet(ctx context.Context, dvs registry.DataValueSet, orgUnitScheme string) (registry.ImportSummary, error)
	CompleteRegistration(ctx context.Context, reg registry.Registration, orgUnitScheme string) (registry.ImportSummary, error)
}

// Linker resolves the org unit a contact reports for.
type Linker interface {
	OrgUnitOf(ctx context.Context, contactUUID string) (string, error)
}

type AuditLog interface {
	AppendReportSuccess(ctx context.Context, e storage.ReportSuccess) error
}

type Pipeline struct {
	reg         Registry
	link        Linker
	checkpoints checkpoint.Store
	audit       AuditLog
	periods     period.Calculator
	scheme      string
	bus         eventbus.Bus
	log         logx.Logger
}

type Deps struct {
	Registry    Registry
	Linker      Linker
	Checkpoints checkpoint.Store
	Audit       AuditLog
	Periods     period.Calculator
	Bus         eventbus.Bus
}

// New builds a pipeline. scheme is the org-unit identifier scheme ("ID" or
// "CODE") used for every registry write.
func New(d Deps, scheme string, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		reg:         d.Registry,
		link:        d.Linker,
		checkpoints: d.Checkpoints,
		audit:       d.Audit,
		periods:     d.Periods,
		scheme:      scheme,
		bus:         d.Bus,
		log:         log.With(logx.String("comp", "delivery")),
	}
}

// Deliver runs n through the state machine once.
//
// A validation error is returned as err with nothing stored. Any later
// failure yields a FAILED outcome with a nil err once the checkpoint is
// stored; err is non-nil (wrapping ErrCheckpoint) only if that store fails.
func (p *Pipeline) Deliver(ctx context.Context, n notification.Notification) (Outcome, error) {
	out := Outcome{State: Received, Reached: Received, Notification: n}
	log := p.log.With(logx.String("notification", n.ID), logx.String("data_set", n.DataSetCode))

	code := strings.TrimSpace(n.DataSetCode)
	if code == "" {
		p.publish(eventbus.DeliveryRejected, out)
		return out, ErrMissingDataSetCode
	}
	ds, err := p.reg.DataSetByCode(ctx, code)
	if errors.Is(err, registry.ErrNotFound) {
		p.publish(eventbus.DeliveryRejected, out)
		return out, fmt.Errorf("%w: %s", ErrUnknownDataSet, code)
	}
	if err != nil {
		return p.fail(ctx, log, out, err, nil)
	}

	per, err := p.periods.Current(ds.PeriodType, n.Offset())
	if err != nil {
		p.publish(eventbus.DeliveryRejected, out)
		return out, fmt.Errorf("data set %s: %w", code, err)
	}
	out.State, out.Reached, out.Period = PeriodResolved, PeriodResolved, per.ID

	payload, err := n.Decode()
	if err != nil {
		return p.fail(ctx, log, out, err, nil)
	}
	ou := strings.TrimSpace(n.OrgUnitID)
	if ou == "" {
		if payload.Contact.UUID == "" {
			return p.fail(ctx, log, out, ErrNoContact, nil)
		}
		ou, err = p.link.OrgUnitOf(ctx, payload.Contact.UUID)
		if err != nil {
			return p.fail(ctx, log, out, fmt.Errorf("resolve org unit of contact %s: %w", payload.Contact.UUID, err), nil)
		}
	}
	out.State, out.Reached, out.OrgUnit = OrgUnitResolved, OrgUnitResolved, ou

	codes, err := p.reg.DataElementCodes(ctx, code)
	if err != nil {
		return p.fail(ctx, log, out, err, nil)
	}
	dvs, err := transform(ds, per.ID, ou, payload, codes)
	if err != nil {
		return p.fail(ctx, log, out, err, nil)
	}
	out.State, out.Reached = Transformed, Transformed

	log.Info("saving data value set", logx.String("period", per.ID), logx.String("org_unit", ou), logx.Int("values", len(dvs.DataValues)))
	sum, err := p.reg.SubmitDataValueSet(ctx, dvs, p.scheme)
	if err != nil {
		return p.fail(ctx, log, out, err, nil)
	}
	if !sum.OK() {
		return p.fail(ctx, log, out, rejection{ErrImportRejected, "Import error from registry while saving data value set => " + string(sum.Raw)}, nil)
	}
	out.State, out.Reached = Submitted, Submitted

	reg, err := p.reg.CompleteRegistration(ctx, registry.Registration{DataSet: ds.ID, Period: per.ID, OrganisationUnit: ou}, p.scheme)
	if err != nil {
		return p.fail(ctx, log, out, err, nil)
	}
	if !reg.OK() {
		return p.fail(ctx, log, out, rejection{ErrCompleteRefused, "Error from registry while completing data set registration => " + string(reg.Raw)}, nil)
	}
	out.State, out.Reached, out.Completed = Completed, Completed, true

	// The registry already holds the values; a lost audit row must not
	// trigger a replay that would submit them twice.
	if p.audit != nil {
		req, _ := json.Marshal(dvs)
		if err := p.audit.AppendReportSuccess(ctx, storage.ReportSuccess{
			DataSetCode:      code,
			RegistryRequest:  string(req),
			RegistryResponse: string(sum.Raw),
			HubPayload:       string(n.Payload),
			CreatedAt:        time.Now(),
		}); err != nil {
			log.Error("report success log failed", logx.Err(err))
		}
	}
	log.Info("report delivered", logx.String("period", per.ID), logx.String("org_unit", ou))
	p.publish(eventbus.DeliveryCompleted, out)
	return out, nil
}

// fail classifies the failure and stores the original notification as a
// NotDelivered checkpoint.
func (p *Pipeline) fail(ctx context.Context, log logx.Logger, out Outcome, err error, body any) (Outcome, error) {
	out.State = Failed
	out.Cause = failure.RootCause(err, body)
	out.Err = err
	if out.Err == nil {
		out.Err = errors.New(out.Cause)
	}
	log.Error("report delivery failed", logx.String("reached", string(out.Reached)), logx.String("cause", out.Cause))

	// The remote call may have been cut by the caller's deadline; the
	// checkpoint must still be written.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	rec, perr := p.checkpoints.Put(sctx, checkpoint.Record{
		State:        checkpoint.NotDelivered,
		Notification: out.Notification,
		Context:      out.Cause,
	})
	if perr != nil {
		log.Error("checkpoint store failed", logx.Err(perr))
		return out, fmt.Errorf("%w: %w", ErrCheckpoint, perr)
	}
	out.CheckpointID = rec.ID
	p.publish(eventbus.DeliveryFailed, out)
	p.publish(eventbus.CheckpointStored, out)
	return out, nil
}

func (p *Pipeline) publish(typ string, out Outcome) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: out})
}
