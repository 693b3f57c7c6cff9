package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/quota"
)

// sqlStore is the shared implementation behind the sqlite, postgres and
// mysql backends. Queries are written with ? placeholders and rebound for
// postgres; the few dialect-specific statements live in the backend files.
type sqlStore struct {
	db        *sql.DB
	driver    string
	connected bool
	logger    *slog.Logger
}

func newSQLStore(driver string) sqlStore {
	return sqlStore{
		driver: driver,
		logger: slog.Default().With("component", "store", "driver", driver),
	}
}

// rebind converts ? placeholders to $n for postgres
func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if !s.connected {
		return nil, campaign.ErrNotConnected
	}
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if !s.connected {
		return nil, campaign.ErrNotConnected
	}
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Close closes the database
func (s *sqlStore) Close() error {
	if !s.connected {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (s *sqlStore) IsConnected() bool {
	return s.connected
}

// --- campaigns ---

const campaignColumns = `id, tenant_id, name, session_id, type, body, media_url, status,
	scheduled_at, total_recipients, sent, delivered, failed, created_at, updated_at`

// CreateCampaign inserts a new campaign
func (s *sqlStore) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	_, err := s.exec(ctx, `INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.SessionID, string(c.Type), c.Body, c.MediaURL,
		string(c.Status), nullTime(c.ScheduledAt), c.TotalRecipients,
		c.Sent, c.Delivered, c.Failed, c.CreatedAt, c.UpdatedAt)
	if isDuplicate(err) {
		return campaign.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID
func (s *sqlStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	if !s.connected {
		return nil, campaign.ErrNotConnected
	}
	row := s.queryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

// ListCampaigns lists campaigns for a tenant, newest first
func (s *sqlStore) ListCampaigns(ctx context.Context, tenantID string) ([]*campaign.Campaign, error) {
	rows, err := s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDue returns scheduled campaigns whose dispatch time has passed.
func (s *sqlStore) ListDue(ctx context.Context, before time.Time) ([]*campaign.Campaign, error) {
	rows, err := s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`, string(campaign.StatusScheduled), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByStatus returns campaigns in one status across all tenants.
func (s *sqlStore) ListByStatus(ctx context.Context, status campaign.Status) ([]*campaign.Campaign, error) {
	rows, err := s.query(ctx, `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaign persists mutable campaign fields
func (s *sqlStore) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	res, err := s.exec(ctx, `UPDATE campaigns SET name = ?, session_id = ?, type = ?,
		body = ?, media_url = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.SessionID, string(c.Type), c.Body, c.MediaURL,
		nullTime(c.ScheduledAt), time.Now().UTC(), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return requireRow(res)
}

// SetStatus transitions a campaign conditionally on its current status
func (s *sqlStore) SetStatus(ctx context.Context, id string, from, to campaign.Status) error {
	res, err := s.exec(ctx, `UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to set campaign status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return campaign.ErrConflict
	}
	return nil
}

// SetTotalRecipients fixes the recipient count after task creation
func (s *sqlStore) SetTotalRecipients(ctx context.Context, id string, total int) error {
	res, err := s.exec(ctx, `UPDATE campaigns SET total_recipients = ?, updated_at = ?
		WHERE id = ?`, total, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set recipient count: %w", err)
	}
	return requireRow(res)
}

// IncrSent atomically increments sent and delivered, bounded so that
// sent + failed never exceeds total_recipients
func (s *sqlStore) IncrSent(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE campaigns
		SET sent = sent + 1, delivered = delivered + 1, updated_at = ?
		WHERE id = ? AND sent + failed < total_recipients`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment sent counter: %w", err)
	}
	return requireRow(res)
}

// IncrFailed atomically increments the failed counter under the same bound
func (s *sqlStore) IncrFailed(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE campaigns
		SET failed = failed + 1, updated_at = ?
		WHERE id = ? AND sent + failed < total_recipients`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment failed counter: %w", err)
	}
	return requireRow(res)
}

// DeleteCampaign removes a campaign and its tasks in one transaction
func (s *sqlStore) DeleteCampaign(ctx context.Context, id string) error {
	if !s.connected {
		return campaign.ErrNotConnected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE campaign_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM campaigns WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return tx.Commit()
}

// --- tasks ---

const taskColumns = `id, campaign_id, tenant_id, recipient, attributes, status,
	attempts, last_error, message_id, sent_at, delivered_at, created_at, updated_at`

// CreateTasks bulk-inserts tasks; a duplicate (campaign, recipient) pair
// fails the whole batch
func (s *sqlStore) CreateTasks(ctx context.Context, tasks []*campaign.Task) error {
	if !s.connected {
		return campaign.ErrNotConnected
	}
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin task insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		attrs, err := encodeAttributes(t.Attributes)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, t.ID, t.CampaignID, t.TenantID, t.Recipient,
			attrs, string(t.Status), t.Attempts, t.LastError, t.MessageID,
			nullTime(t.SentAt), nullTime(t.DeliveredAt), t.CreatedAt, t.UpdatedAt)
		if isDuplicate(err) {
			return campaign.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert task for %s: %w", t.Recipient, err)
		}
	}
	return tx.Commit()
}

// DeleteTasks removes every task of a campaign
func (s *sqlStore) DeleteTasks(ctx context.Context, campaignID string) error {
	_, err := s.exec(ctx, `DELETE FROM tasks WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *sqlStore) GetTask(ctx context.Context, id string) (*campaign.Task, error) {
	if !s.connected {
		return nil, campaign.ErrNotConnected
	}
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks lists tasks of a campaign FIFO; empty status lists all
func (s *sqlStore) ListTasks(ctx context.Context, campaignID string, status campaign.TaskStatus) ([]*campaign.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE campaign_id = ?`
	args := []interface{}{campaignID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkSent records a successful send. The task lands in delivered because
// this delivery model confirms optimistically at send time.
func (s *sqlStore) MarkSent(ctx context.Context, id, messageID string) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE tasks SET status = ?, message_id = ?,
		sent_at = ?, delivered_at = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(campaign.TaskDelivered), messageID, now, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark task sent: %w", err)
	}
	return requireRow(res)
}

// MarkFailed records a terminal failure
func (s *sqlStore) MarkFailed(ctx context.Context, id, lastError string) error {
	res, err := s.exec(ctx, `UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(campaign.TaskFailed), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return requireRow(res)
}

// RecordAttempt bumps the attempt counter after a retryable failure
func (s *sqlStore) RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	res, err := s.exec(ctx, `UPDATE tasks SET attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, attempts, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return requireRow(res)
}

// RequeueFailed resets a campaign's failed tasks to pending and reclaims
// the campaign's failed counter in one transaction
func (s *sqlStore) RequeueFailed(ctx context.Context, campaignID string) (int, error) {
	if !s.connected {
		return 0, campaign.ErrNotConnected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin requeue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasks
		SET status = ?, attempts = 0, last_error = '', updated_at = ?
		WHERE campaign_id = ? AND status = ?`),
		string(campaign.TaskPending), now, campaignID, string(campaign.TaskFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued tasks: %w", err)
	}

	res, err = tx.ExecContext(ctx, s.rebind(`UPDATE campaigns
		SET failed = failed - ?, updated_at = ?
		WHERE id = ?`), n, now, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim failed counter: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, campaign.ErrNotFound
	}
	return int(n), tx.Commit()
}

// --- quota usage ---

// GetUsage returns the usage row for a tenant and period, zero when absent
func (s *sqlStore) GetUsage(ctx context.Context, tenantID, period string) (*quota.Usage, error) {
	if !s.connected {
		return nil, campaign.ErrNotConnected
	}

	u := &quota.Usage{TenantID: tenantID, Period: period}
	err := s.queryRow(ctx, `SELECT messages, validations, channels, templates
		FROM quota_usage WHERE tenant_id = ? AND period = ?`, tenantID, period).
		Scan(&u.Messages, &u.Validations, &u.Channels, &u.Templates)
	if err == sql.ErrNoRows {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota usage: %w", err)
	}
	return u, nil
}

// AddUsage atomically adds amount to one usage counter while the result
// stays within limit. The period row is created lazily; history rows for
// older periods are never touched.
func (s *sqlStore) AddUsage(ctx context.Context, tenantID, period string, kind quota.LimitKind, amount, limit int64) (bool, error) {
	if !s.connected {
		return false, campaign.ErrNotConnected
	}

	col, err := usageColumn(kind)
	if err != nil {
		return false, err
	}

	if err := s.ensureUsageRow(ctx, tenantID, period); err != nil {
		return false, err
	}

	res, err := s.exec(ctx, `UPDATE quota_usage SET `+col+` = `+col+` + ?, updated_at = ?
		WHERE tenant_id = ? AND period = ? AND (? < 0 OR `+col+` + ? <= ?)`,
		amount, time.Now().UTC(), tenantID, period, limit, amount, limit)
	if err != nil {
		return false, fmt.Errorf("failed to add quota usage: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseUsage subtracts amount from one usage counter, flooring at zero
func (s *sqlStore) ReleaseUsage(ctx context.Context, tenantID, period string, kind quota.LimitKind, amount int64) error {
	col, err := usageColumn(kind)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `UPDATE quota_usage SET `+col+` = CASE
			WHEN `+col+` > ? THEN `+col+` - ? ELSE 0 END, updated_at = ?
		WHERE tenant_id = ? AND period = ?`,
		amount, amount, time.Now().UTC(), tenantID, period)
	if err != nil {
		return fmt.Errorf("failed to release quota usage: %w", err)
	}
	return nil
}

// ensureUsageRow lazily creates the (tenant, period) row using the
// dialect's insert-if-absent form
func (s *sqlStore) ensureUsageRow(ctx context.Context, tenantID, period string) error {
	now := time.Now().UTC()
	var q string
	switch s.driver {
	case "mysql":
		q = `INSERT IGNORE INTO quota_usage
			(tenant_id, period, messages, validations, channels, templates, created_at, updated_at)
			VALUES (?, ?, 0, 0, 0, 0, ?, ?)`
	case "postgres":
		q = `INSERT INTO quota_usage
			(tenant_id, period, messages, validations, channels, templates, created_at, updated_at)
			VALUES (?, ?, 0, 0, 0, 0, ?, ?) ON CONFLICT (tenant_id, period) DO NOTHING`
	default: // sqlite
		q = `INSERT OR IGNORE INTO quota_usage
			(tenant_id, period, messages, validations, channels, templates, created_at, updated_at)
			VALUES (?, ?, 0, 0, 0, 0, ?, ?)`
	}

	if _, err := s.exec(ctx, q, tenantID, period, now, now); err != nil {
		return fmt.Errorf("failed to create quota usage row: %w", err)
	}
	return nil
}

// usageColumn maps a limit kind to its column; kinds are a closed set so
// this never interpolates caller input
func usageColumn(kind quota.LimitKind) (string, error) {
	switch kind {
	case quota.KindMessages:
		return "messages", nil
	case quota.KindValidations:
		return "validations", nil
	case quota.KindChannels:
		return "channels", nil
	case quota.KindTemplates:
		return "templates", nil
	default:
		return "", fmt.Errorf("unknown limit kind: %s", kind)
	}
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*campaign.Campaign, error) {
	var c campaign.Campaign
	var msgType, status string
	var scheduledAt sql.NullTime

	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.SessionID, &msgType, &c.Body,
		&c.MediaURL, &status, &scheduledAt, &c.TotalRecipients,
		&c.Sent, &c.Delivered, &c.Failed, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}

	c.Type = campaign.MessageType(msgType)
	c.Status = campaign.Status(status)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		c.ScheduledAt = &t
	}
	return &c, nil
}

func scanTask(row rowScanner) (*campaign.Task, error) {
	var t campaign.Task
	var status, attrs string
	var sentAt, deliveredAt sql.NullTime

	err := row.Scan(&t.ID, &t.CampaignID, &t.TenantID, &t.Recipient, &attrs, &status,
		&t.Attempts, &t.LastError, &t.MessageID, &sentAt, &deliveredAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Status = campaign.TaskStatus(status)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &t.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode task attributes: %w", err)
		}
	}
	if sentAt.Valid {
		ts := sentAt.Time
		t.SentAt = &ts
	}
	if deliveredAt.Valid {
		ts := deliveredAt.Time
		t.DeliveredAt = &ts
	}
	return &t, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode task attributes: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}
