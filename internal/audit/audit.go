// Package audit appends immutable audit entries for every state change and
// mirrors each entry to a JSON audit log.
package audit

import (
	"context"
	"reflect"
	"sort"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"tenant-backup/internal/model"
	"tenant-backup/internal/store"
)

// Entry is what a component reports; the logger stamps the time
type Entry struct {
	TenantID   string
	Action     string
	EntityType string
	EntityID   string
	Actor      string
	Details    map[string]interface{}
	Changes    map[string]model.Change
	IPAddress  string
	UserAgent  string
}

type clientKey struct{}

// Client describes where an operator request came from
type Client struct {
	IPAddress string
	UserAgent string
}

// WithClient attaches request origin details to ctx
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFrom(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

// Logger writes audit entries
type Logger struct {
	db     bun.IDB
	clock  clock.Clock
	mirror *logrus.Logger
}

// NewLogger creates an audit logger on db. mirror may be nil.
func NewLogger(db bun.IDB, clk clock.Clock, mirror *logrus.Logger) *Logger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Logger{db: db, clock: clk, mirror: mirror}
}

// Record inserts an entry synchronously
func (l *Logger) Record(ctx context.Context, e Entry) error {
	return l.RecordTx(ctx, l.db, e)
}

// RecordTx inserts an entry on db, typically a transaction the caller owns
func (l *Logger) RecordTx(ctx context.Context, db bun.IDB, e Entry) error {
	client := clientFrom(ctx)
	if e.IPAddress == "" {
		e.IPAddress = client.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = client.UserAgent
	}

	row := &model.AuditEntry{
		TenantID:    e.TenantID,
		Action:      e.Action,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Actor:       e.Actor,
		Details:     e.Details,
		Changes:     e.Changes,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		PerformedAt: l.clock.Now().UTC(),
	}
	if err := store.NewAuditRepo(db).Insert(ctx, row); err != nil {
		return err
	}

	if l.mirror != nil {
		l.mirror.WithFields(logrus.Fields{
			"audit_id":    row.ID,
			"tenant_id":   row.TenantID,
			"action":      row.Action,
			"entity_type": row.EntityType,
			"entity_id":   row.EntityID,
			"actor":       row.Actor,
			"details":     row.Details,
			"changes":     row.Changes,
			"ip_address":  row.IPAddress,
		}).Info(row.Action)
	}
	return nil
}

// List returns entries for the operator surface
func (l *Logger) List(ctx context.Context, f store.AuditFilter) ([]*model.AuditEntry, error) {
	return store.NewAuditRepo(l.db).List(ctx, f)
}

// Diff returns the attributes whose values differ between before and after
func Diff(before, after map[string]interface{}) map[string]model.Change {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	changes := make(map[string]model.Change)
	for _, k := range names {
		if !reflect.DeepEqual(before[k], after[k]) {
			changes[k] = model.Change{Before: before[k], After: after[k]}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}
