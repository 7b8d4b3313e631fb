package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MailerSuite/sendcore/internal/models"
)

// Metrics collectors: one histogram/counter pair per store operation.
var (
	pgOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sendcore_pgstore_operation_duration_seconds",
		Help: "Duration of Postgres store operations",
	}, []string{"operation"})

	pgOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sendcore_pgstore_operation_errors_total",
		Help: "Total number of Postgres store operation errors",
	}, []string{"operation"})
)

const pgQueryTimeout = time.Second * 30

// PGStore is a Postgres-backed implementation of AccountStore, ProxyStore and
// CampaignStore: prepared statements, and retryable-error detection on serialization
// failures.
type PGStore struct {
	db            *sql.DB
	preparedStmts map[string]*sql.Stmt
}

// NewPGStore prepares the store's statements against an open connection pool.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	stmts, err := preparePGStatements(db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare statements")
	}

	return &PGStore{db: db, preparedStmts: stmts}, nil
}

func preparePGStatements(db *sql.DB) (map[string]*sql.Stmt, error) {
	statements := map[string]string{
		"upsert_smtp_account": `
			INSERT INTO smtp_accounts (
				id, session_id, host, port, email, credential_password,
				credential_refresh_token, credential_client_id, status, is_active,
				last_checked, response_time_ms, error, warmup_day, warmup_daily_cap,
				daily_sent, hourly_sent
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (id) DO UPDATE SET
				host=EXCLUDED.host, port=EXCLUDED.port, email=EXCLUDED.email,
				credential_password=EXCLUDED.credential_password,
				credential_refresh_token=EXCLUDED.credential_refresh_token,
				credential_client_id=EXCLUDED.credential_client_id,
				status=EXCLUDED.status, is_active=EXCLUDED.is_active,
				last_checked=EXCLUDED.last_checked, response_time_ms=EXCLUDED.response_time_ms,
				error=EXCLUDED.error, warmup_day=EXCLUDED.warmup_day,
				warmup_daily_cap=EXCLUDED.warmup_daily_cap, daily_sent=EXCLUDED.daily_sent,
				hourly_sent=EXCLUDED.hourly_sent`,
		"get_smtp_account": `
			SELECT id, session_id, host, port, email, credential_password,
			       credential_refresh_token, credential_client_id, status, is_active,
			       last_checked, response_time_ms, error, warmup_day, warmup_daily_cap,
			       daily_sent, hourly_sent
			FROM smtp_accounts WHERE id = $1`,
		"list_smtp_accounts": `
			SELECT id, session_id, host, port, email, credential_password,
			       credential_refresh_token, credential_client_id, status, is_active,
			       last_checked, response_time_ms, error, warmup_day, warmup_daily_cap,
			       daily_sent, hourly_sent
			FROM smtp_accounts WHERE session_id = $1`,
		"upsert_proxy": `
			INSERT INTO proxy_servers (
				id, session_id, kind, host, port, username, password, status,
				is_active, is_blacklisted, blacklist_reason, response_time_ms,
				last_checked, error
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO UPDATE SET
				status=EXCLUDED.status, is_active=EXCLUDED.is_active,
				is_blacklisted=EXCLUDED.is_blacklisted, blacklist_reason=EXCLUDED.blacklist_reason,
				response_time_ms=EXCLUDED.response_time_ms, last_checked=EXCLUDED.last_checked,
				error=EXCLUDED.error`,
		"list_proxies": `
			SELECT id, session_id, kind, host, port, username, password, status,
			       is_active, is_blacklisted, blacklist_reason, response_time_ms,
			       last_checked, error
			FROM proxy_servers WHERE session_id = $1`,
		"insert_send_attempt": `
			INSERT INTO send_attempts (
				campaign_id, email, account_id, proxy_id, outcome, error_kind,
				error, started_at, ended_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		"insert_dead_letter": `
			INSERT INTO dead_letters (campaign_id, email, attempts_json, final_error, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
		"upsert_imap_account": `
			INSERT INTO imap_accounts (
				id, session_id, host, port, email, credential_password,
				credential_refresh_token, credential_client_id, use_ssl, status,
				discovery_status, last_checked
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO UPDATE SET
				host=EXCLUDED.host, port=EXCLUDED.port, email=EXCLUDED.email,
				credential_password=EXCLUDED.credential_password,
				credential_refresh_token=EXCLUDED.credential_refresh_token,
				credential_client_id=EXCLUDED.credential_client_id,
				use_ssl=EXCLUDED.use_ssl, status=EXCLUDED.status,
				discovery_status=EXCLUDED.discovery_status, last_checked=EXCLUDED.last_checked`,
		"get_imap_account": `
			SELECT id, session_id, host, port, email, credential_password,
			       credential_refresh_token, credential_client_id, use_ssl, status,
			       discovery_status, last_checked
			FROM imap_accounts WHERE id = $1`,
		"list_imap_accounts": `
			SELECT id, session_id, host, port, email, credential_password,
			       credential_refresh_token, credential_client_id, use_ssl, status,
			       discovery_status, last_checked
			FROM imap_accounts WHERE session_id = $1`,
		"upsert_campaign": `
			INSERT INTO campaigns (
				id, session_id, status, started_at, completed_at,
				sent, success, failed, retries, failovers, deferred,
				opened, clicked, bounced, oauth_errors, proxy_errors, smtp_errors
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (id) DO UPDATE SET
				status=EXCLUDED.status, started_at=EXCLUDED.started_at,
				completed_at=EXCLUDED.completed_at, sent=EXCLUDED.sent,
				success=EXCLUDED.success, failed=EXCLUDED.failed, retries=EXCLUDED.retries,
				failovers=EXCLUDED.failovers, deferred=EXCLUDED.deferred,
				opened=EXCLUDED.opened, clicked=EXCLUDED.clicked, bounced=EXCLUDED.bounced,
				oauth_errors=EXCLUDED.oauth_errors, proxy_errors=EXCLUDED.proxy_errors,
				smtp_errors=EXCLUDED.smtp_errors`,
		"get_campaign": `
			SELECT id, session_id, status, started_at, completed_at,
			       sent, success, failed, retries, failovers, deferred,
			       opened, clicked, bounced, oauth_errors, proxy_errors, smtp_errors
			FROM campaigns WHERE id = $1`,
		"delete_campaign": `
			DELETE FROM campaigns WHERE id = $1`,
		"list_recipients": `
			SELECT email, first_name, last_name
			FROM campaign_recipients WHERE campaign_id = $1
			ORDER BY email OFFSET $2 LIMIT $3`,
	}

	prepared := make(map[string]*sql.Stmt, len(statements))
	for name, query := range statements {
		stmt, err := db.Prepare(query)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to prepare statement: %s", name)
		}
		prepared[name] = stmt
	}
	return prepared, nil
}

func (s *PGStore) SaveSMTPAccount(ctx context.Context, a *models.SMTPAccount) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("save_smtp_account"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := s.preparedStmts["upsert_smtp_account"].ExecContext(ctx,
		a.ID, a.SessionID, a.Host, a.Port, a.Email,
		a.Credential.Password, a.Credential.RefreshToken, a.Credential.ClientID,
		string(a.Status), a.IsActive, a.LastCheckedAt, a.ResponseTime.Milliseconds(),
		a.ErrorText, a.WarmupDay, a.WarmupDailyCap, a.DailySent, a.HourlySent,
	)
	if err != nil {
		pgOperationErrors.WithLabelValues("save_smtp_account").Inc()
		return errors.Wrap(err, "failed to upsert smtp account")
	}
	return nil
}

func (s *PGStore) GetSMTPAccount(ctx context.Context, id string) (*models.SMTPAccount, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("get_smtp_account"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	row := s.preparedStmts["get_smtp_account"].QueryRowContext(ctx, id)
	a, err := scanSMTPAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		pgOperationErrors.WithLabelValues("get_smtp_account").Inc()
		return nil, errors.Wrap(err, "failed to get smtp account")
	}
	return a, nil
}

func (s *PGStore) ListSMTPAccounts(ctx context.Context, sessionID string) ([]*models.SMTPAccount, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("list_smtp_accounts"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := s.preparedStmts["list_smtp_accounts"].QueryContext(ctx, sessionID)
	if err != nil {
		pgOperationErrors.WithLabelValues("list_smtp_accounts").Inc()
		return nil, errors.Wrap(err, "failed to list smtp accounts")
	}
	defer rows.Close()

	var out []*models.SMTPAccount
	for rows.Next() {
		a, err := scanSMTPAccount(rows)
		if err != nil {
			pgOperationErrors.WithLabelValues("list_smtp_accounts").Inc()
			return nil, errors.Wrap(err, "failed to scan smtp account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSMTPAccount(row rowScanner) (*models.SMTPAccount, error) {
	var a models.SMTPAccount
	var status string
	var responseMS int64
	if err := row.Scan(
		&a.ID, &a.SessionID, &a.Host, &a.Port, &a.Email,
		&a.Credential.Password, &a.Credential.RefreshToken, &a.Credential.ClientID,
		&status, &a.IsActive, &a.LastCheckedAt, &responseMS, &a.ErrorText,
		&a.WarmupDay, &a.WarmupDailyCap, &a.DailySent, &a.HourlySent,
	); err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	a.ResponseTime = time.Duration(responseMS) * time.Millisecond
	return &a, nil
}

func (s *PGStore) SaveProxy(ctx context.Context, p *models.Proxy) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("save_proxy"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := s.preparedStmts["upsert_proxy"].ExecContext(ctx,
		p.ID, p.SessionID, string(p.Kind), p.Host, p.Port, p.Username, p.Password,
		string(p.Status), p.IsActive, p.IsBlacklisted, p.BlacklistReason,
		p.ResponseTime.Milliseconds(), p.LastCheckedAt, p.ErrorText,
	)
	if err != nil {
		pgOperationErrors.WithLabelValues("save_proxy").Inc()
		return errors.Wrap(err, "failed to upsert proxy")
	}
	return nil
}

func (s *PGStore) ListProxies(ctx context.Context, sessionID string) ([]*models.Proxy, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("list_proxies"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := s.preparedStmts["list_proxies"].QueryContext(ctx, sessionID)
	if err != nil {
		pgOperationErrors.WithLabelValues("list_proxies").Inc()
		return nil, errors.Wrap(err, "failed to list proxies")
	}
	defer rows.Close()

	var out []*models.Proxy
	for rows.Next() {
		var p models.Proxy
		var kind, status string
		var responseMS int64
		if err := rows.Scan(
			&p.ID, &p.SessionID, &kind, &p.Host, &p.Port, &p.Username, &p.Password,
			&status, &p.IsActive, &p.IsBlacklisted, &p.BlacklistReason, &responseMS,
			&p.LastCheckedAt, &p.ErrorText,
		); err != nil {
			pgOperationErrors.WithLabelValues("list_proxies").Inc()
			return nil, errors.Wrap(err, "failed to scan proxy")
		}
		p.Kind = models.ProxyKind(kind)
		p.Status = models.ProxyStatus(status)
		p.ResponseTime = time.Duration(responseMS) * time.Millisecond
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendSendAttempt(ctx context.Context, a models.SendAttempt) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("append_send_attempt"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err = s.preparedStmts["insert_send_attempt"].ExecContext(ctx,
			a.CampaignID, a.RecipientEmail, a.AccountID, a.ProxyID, string(a.Outcome),
			a.ErrorKind, a.ErrorText, a.StartedAt, a.EndedAt,
		)
		if err == nil || !isRetryablePGError(err) {
			break
		}
	}
	if err != nil {
		pgOperationErrors.WithLabelValues("append_send_attempt").Inc()
		return errors.Wrap(err, "failed to insert send attempt")
	}
	return nil
}

func (s *PGStore) SaveIMAPAccount(ctx context.Context, a *models.IMAPAccount) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("save_imap_account"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := s.preparedStmts["upsert_imap_account"].ExecContext(ctx,
		a.ID, a.SessionID, a.Host, a.Port, a.Email,
		a.Credential.Password, a.Credential.RefreshToken, a.Credential.ClientID,
		a.UseSSL, string(a.Status), a.DiscoveryStatus, a.LastCheckedAt,
	)
	if err != nil {
		pgOperationErrors.WithLabelValues("save_imap_account").Inc()
		return errors.Wrap(err, "failed to upsert imap account")
	}
	return nil
}

func (s *PGStore) GetIMAPAccount(ctx context.Context, id string) (*models.IMAPAccount, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("get_imap_account"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	row := s.preparedStmts["get_imap_account"].QueryRowContext(ctx, id)
	a, err := scanIMAPAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		pgOperationErrors.WithLabelValues("get_imap_account").Inc()
		return nil, errors.Wrap(err, "failed to get imap account")
	}
	return a, nil
}

func (s *PGStore) ListIMAPAccounts(ctx context.Context, sessionID string) ([]*models.IMAPAccount, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("list_imap_accounts"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := s.preparedStmts["list_imap_accounts"].QueryContext(ctx, sessionID)
	if err != nil {
		pgOperationErrors.WithLabelValues("list_imap_accounts").Inc()
		return nil, errors.Wrap(err, "failed to list imap accounts")
	}
	defer rows.Close()

	var out []*models.IMAPAccount
	for rows.Next() {
		a, err := scanIMAPAccount(rows)
		if err != nil {
			pgOperationErrors.WithLabelValues("list_imap_accounts").Inc()
			return nil, errors.Wrap(err, "failed to scan imap account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanIMAPAccount(row rowScanner) (*models.IMAPAccount, error) {
	var a models.IMAPAccount
	var status string
	if err := row.Scan(
		&a.ID, &a.SessionID, &a.Host, &a.Port, &a.Email,
		&a.Credential.Password, &a.Credential.RefreshToken, &a.Credential.ClientID,
		&a.UseSSL, &status, &a.DiscoveryStatus, &a.LastCheckedAt,
	); err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}

func (s *PGStore) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("save_campaign"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := s.preparedStmts["upsert_campaign"].ExecContext(ctx,
		c.ID, c.SessionID, string(c.Status), c.StartedAt, c.CompletedAt,
		c.Counters.Sent, c.Counters.Success, c.Counters.Failed, c.Counters.Retries,
		c.Counters.Failovers, c.Counters.Deferred, c.Counters.Opened, c.Counters.Clicked,
		c.Counters.Bounced, c.Counters.OAuthErrors, c.Counters.ProxyErrors, c.Counters.SMTPErrors,
	)
	if err != nil {
		pgOperationErrors.WithLabelValues("save_campaign").Inc()
		return errors.Wrap(err, "failed to upsert campaign")
	}
	return nil
}

func (s *PGStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("get_campaign"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	var c models.Campaign
	var status string
	row := s.preparedStmts["get_campaign"].QueryRowContext(ctx, id)
	err := row.Scan(
		&c.ID, &c.SessionID, &status, &c.StartedAt, &c.CompletedAt,
		&c.Counters.Sent, &c.Counters.Success, &c.Counters.Failed, &c.Counters.Retries,
		&c.Counters.Failovers, &c.Counters.Deferred, &c.Counters.Opened, &c.Counters.Clicked,
		&c.Counters.Bounced, &c.Counters.OAuthErrors, &c.Counters.ProxyErrors, &c.Counters.SMTPErrors,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		pgOperationErrors.WithLabelValues("get_campaign").Inc()
		return nil, errors.Wrap(err, "failed to get campaign")
	}
	c.Status = models.CampaignStatus(status)
	return &c, nil
}

func (s *PGStore) DeleteCampaign(ctx context.Context, id string) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("delete_campaign"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := s.preparedStmts["delete_campaign"].ExecContext(ctx, id)
	if err != nil {
		pgOperationErrors.WithLabelValues("delete_campaign").Inc()
		return errors.Wrap(err, "failed to delete campaign")
	}
	return nil
}

// ListRecipients paginates a campaign's recipient list. The campaign_recipients
// table is expected to be bulk-loaded ahead of Start by the external ingestion
// collaborator; this only reads pages back for the orchestrator's batches.
func (s *PGStore) ListRecipients(ctx context.Context, campaignID string, offset, limit int) ([]models.RecipientTarget, error) {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("list_recipients"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := s.preparedStmts["list_recipients"].QueryContext(ctx, campaignID, offset, limit)
	if err != nil {
		pgOperationErrors.WithLabelValues("list_recipients").Inc()
		return nil, errors.Wrap(err, "failed to list recipients")
	}
	defer rows.Close()

	var out []models.RecipientTarget
	for rows.Next() {
		var r models.RecipientTarget
		if err := rows.Scan(&r.Email, &r.FirstName, &r.LastName); err != nil {
			pgOperationErrors.WithLabelValues("list_recipients").Inc()
			return nil, errors.Wrap(err, "failed to scan recipient")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendDeadLetter(ctx context.Context, d models.DeadLetterRecord) error {
	timer := prometheus.NewTimer(pgOperationDuration.WithLabelValues("append_dead_letter"))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	attemptsJSON, err := json.Marshal(d.Attempts)
	if err != nil {
		return errors.Wrap(err, "failed to marshal attempts")
	}

	_, err = s.preparedStmts["insert_dead_letter"].ExecContext(ctx,
		d.CampaignID, d.RecipientEmail, attemptsJSON, d.FinalError, d.CreatedAt,
	)
	if err != nil {
		pgOperationErrors.WithLabelValues("append_dead_letter").Inc()
		return errors.Wrap(err, "failed to insert dead letter")
	}
	return nil
}

// isRetryablePGError detects serialization
// failures and deadlocks on Postgres.
func isRetryablePGError(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
