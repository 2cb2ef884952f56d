package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
)

// PostgresStore is the durable Store implementation. A deployment is a
// single JSONB document keyed by id (the document-database shape the
// abstract Store interface was written against); its append-only log is a
// separate table, the SQL analogue of a document database's subcollection.
type PostgresStore struct {
	pool   *pgxpool.Pool
	prefix string
}

// Connect opens a pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connCtx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connCtx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, prefix: "visgate"}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) deploymentsTable() string { return s.prefix + "_deployments" }
func (s *PostgresStore) logsTable() string        { return s.prefix + "_deployment_logs" }

// Migrate creates the deployments document table and its append-only log
// table if they don't already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			owner_hash TEXT NOT NULL,
			model_id   TEXT NOT NULL,
			status     TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_owner ON %[1]s(owner_hash, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id          BIGSERIAL PRIMARY KEY,
			deployment_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
			timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
			level       TEXT NOT NULL,
			message     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_deployment ON %[2]s(deployment_id, timestamp);
	`, s.deploymentsTable(), s.logsTable()))
	return err
}

func (s *PostgresStore) Create(ctx context.Context, d *deployment.Deployment) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, owner_hash, model_id, status, doc) VALUES ($1, $2, $3, $4, $5)`, s.deploymentsTable()),
		d.ID, d.OwnerHash, d.ModelID, string(d.Status), doc,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id, ownerHash string) (*deployment.Deployment, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 AND owner_hash = $2`, s.deploymentsTable()),
		id, ownerHash,
	).Scan(&doc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, deployment.NewNotFoundError(id)
		}
		return nil, err
	}
	var d deployment.Deployment
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetInternal(ctx context.Context, id string) (*deployment.Deployment, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.deploymentsTable()),
		id,
	).Scan(&doc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, deployment.NewNotFoundError(id)
		}
		return nil, err
	}
	var d deployment.Deployment
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, expectedStatus deployment.Status, patch Patch) (*deployment.Deployment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doc []byte
	var currentStatus string
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT status, doc FROM %s WHERE id = $1 FOR UPDATE`, s.deploymentsTable()),
		id,
	).Scan(&currentStatus, &doc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, deployment.NewNotFoundError(id)
		}
		return nil, err
	}
	if deployment.Status(currentStatus) != expectedStatus {
		return nil, ErrCASMismatch
	}

	var d deployment.Deployment
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	applyPatch(&d, patch)
	d.UpdatedAt = now()

	newDoc, err := json.Marshal(&d)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, doc = $2, updated_at = now() WHERE id = $3`, s.deploymentsTable()),
		string(d.Status), newDoc, id,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, id string, level, message string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (deployment_id, level, message) VALUES ($1, $2, $3)`, s.logsTable()),
		id, level, message,
	)
	return err
}

func (s *PostgresStore) Logs(ctx context.Context, id string) ([]deployment.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT timestamp, level, message FROM %s WHERE deployment_id = $1 ORDER BY timestamp`, s.logsTable()),
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deployment.LogEntry
	for rows.Next() {
		var e deployment.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindReusable(ctx context.Context, fp deployment.Fingerprint) (*deployment.Deployment, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE owner_hash = $1 AND model_id = $2 AND status NOT IN ('failed', 'deleted', 'timeout')`, s.deploymentsTable()),
		fp.OwnerHash, fp.ModelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d deployment.Deployment
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		if d.ResolvedTier == fp.GPUTier {
			return &d, nil
		}
	}
	return nil, rows.Err()
}

func (s *PostgresStore) ListInFlight(ctx context.Context) ([]*deployment.Deployment, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE status NOT IN ('ready', 'failed', 'deleted', 'timeout', 'webhook_failed')`, s.deploymentsTable()),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*deployment.Deployment
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d deployment.Deployment
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Healthy(ctx context.Context) error {
	var n int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}

func isUniqueViolation(err error) bool {
	// pgx surfaces Postgres error code 23505 for unique_violation; avoid
	// importing pgconn just to check one code string.
	return err != nil && containsCode23505(err.Error())
}

func containsCode23505(s string) bool {
	for i := 0; i+5 <= len(s); i++ {
		if s[i:i+5] == "23505" {
			return true
		}
	}
	return false
}
