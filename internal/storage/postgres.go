package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"listkeeper/internal/domain"
)

// PostgresStore implements the PropertyStore contract against a Postgres
// catalog populated by the scrapers. All identifiers are schema-qualified so
// the store can sit alongside other marketplace schemas.
type PostgresStore struct {
	Pool   *pgxpool.Pool
	Schema string
	Now    func() time.Time
}

var schemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func NewPostgresStore(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	if schema == "" {
		schema = "public"
	}
	if !schemaRe.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{Pool: pool, Schema: schema, Now: time.Now}, nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.Schema, name}.Sanitize()
}

func (s *PostgresStore) FetchProperties(ctx context.Context, f Filter) ([]domain.PropertyRecord, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UpdatedSince != "" {
		clauses = append(clauses, "last_updated >= "+arg(f.UpdatedSince))
	}
	if f.City != "" {
		clauses = append(clauses, "LOWER(city)=LOWER("+arg(f.City)+")")
	}
	if f.State != "" {
		clauses = append(clauses, "LOWER(state)=LOWER("+arg(f.State)+")")
	}
	if f.Source != "" {
		clauses = append(clauses, "source_broker_id="+arg(f.Source))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + propertyColumns + ` FROM ` + s.table("properties") + ` ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PropertyRecord
	for rows.Next() {
		var p domain.PropertyRecord
		var street, city, state, zip, ptype, status, desc, broker, brokerage, firstSeen, lastUpdated *string
		if err := rows.Scan(&p.ID, &p.Name, &street, &city, &state, &zip,
			&p.Price, &p.Units, &p.YearBuilt, &p.SquareFeet, &p.CapRate, &p.PricePerUnit,
			&ptype, &status, &desc, &broker, &brokerage, &firstSeen, &lastUpdated); err != nil {
			return nil, err
		}
		p.Street = deref(street)
		p.City = deref(city)
		p.State = deref(state)
		p.Zip = deref(zip)
		p.PropertyType = deref(ptype)
		p.Status = deref(status)
		p.Description = deref(desc)
		p.SourceBrokerID = deref(broker)
		p.BrokerageID = deref(brokerage)
		p.FirstSeen = deref(firstSeen)
		p.LastUpdated = deref(lastUpdated)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *PostgresStore) UpdateProperty(ctx context.Context, id string, fields map[string]any) error {
	if err := checkFields(fields); err != nil {
		return err
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	var sets []string
	var args []any
	for _, col := range cols {
		args = append(args, fields[col])
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	args = append(args, s.Now().UTC().Format(time.RFC3339))
	sets = append(sets, fmt.Sprintf("last_updated=$%d", len(args)))
	args = append(args, id)
	tag, err := s.Pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id=$%d`, s.table("properties"), strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteProperty(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM `+s.table("properties")+` WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetMetadata(ctx context.Context, propertyID, key string) (string, error) {
	var value string
	err := s.Pool.QueryRow(ctx, `SELECT value FROM `+s.table("property_metadata")+` WHERE property_id=$1 AND key=$2`, propertyID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *PostgresStore) SetMetadata(ctx context.Context, propertyID, key, value string) error {
	now := s.Now().UTC().Format(time.RFC3339)
	_, err := s.Pool.Exec(ctx, `INSERT INTO `+s.table("property_metadata")+`(property_id,key,value,updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (property_id,key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`, propertyID, key, value, now)
	return err
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
