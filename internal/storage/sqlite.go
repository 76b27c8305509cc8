package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"listkeeper/internal/domain"
)

// SQLiteStore keeps the property catalog in the workspace database so the
// whole tool runs self-contained. It shares the connection the review store
// uses; the schema lives in the same migration set.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db, Now: time.Now}
}

const propertyColumns = `id,name,street,city,state,zip,price,units,year_built,square_feet,cap_rate,price_per_unit,property_type,status,description,source_broker_id,brokerage_id,first_seen,last_updated`

func (s *SQLiteStore) FetchProperties(ctx context.Context, f Filter) ([]domain.PropertyRecord, error) {
	var clauses []string
	var args []any
	if f.UpdatedSince != "" {
		clauses = append(clauses, "last_updated >= ?")
		args = append(args, f.UpdatedSince)
	}
	if f.City != "" {
		clauses = append(clauses, "LOWER(city)=LOWER(?)")
		args = append(args, f.City)
	}
	if f.State != "" {
		clauses = append(clauses, "LOWER(state)=LOWER(?)")
		args = append(args, f.State)
	}
	if f.Source != "" {
		clauses = append(clauses, "source_broker_id=?")
		args = append(args, f.Source)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + propertyColumns + ` FROM properties ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PropertyRecord
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanProperty(rows *sql.Rows) (domain.PropertyRecord, error) {
	var p domain.PropertyRecord
	var street, city, state, zip, ptype, status, desc, broker, brokerage, firstSeen, lastUpdated sql.NullString
	var price, sqft, capRate, ppu sql.NullFloat64
	var units, yearBuilt sql.NullInt64
	err := rows.Scan(&p.ID, &p.Name, &street, &city, &state, &zip, &price, &units, &yearBuilt, &sqft, &capRate, &ppu,
		&ptype, &status, &desc, &broker, &brokerage, &firstSeen, &lastUpdated)
	if err != nil {
		return p, err
	}
	p.Street = street.String
	p.City = city.String
	p.State = state.String
	p.Zip = zip.String
	p.PropertyType = ptype.String
	p.Status = status.String
	p.Description = desc.String
	p.SourceBrokerID = broker.String
	p.BrokerageID = brokerage.String
	p.FirstSeen = firstSeen.String
	p.LastUpdated = lastUpdated.String
	if price.Valid {
		v := price.Float64
		p.Price = &v
	}
	if units.Valid {
		v := int(units.Int64)
		p.Units = &v
	}
	if yearBuilt.Valid {
		v := int(yearBuilt.Int64)
		p.YearBuilt = &v
	}
	if sqft.Valid {
		v := sqft.Float64
		p.SquareFeet = &v
	}
	if capRate.Valid {
		v := capRate.Float64
		p.CapRate = &v
	}
	if ppu.Valid {
		v := ppu.Float64
		p.PricePerUnit = &v
	}
	return p, nil
}

func (s *SQLiteStore) UpdateProperty(ctx context.Context, id string, fields map[string]any) error {
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
		sets = append(sets, col+"=?")
		args = append(args, fields[col])
	}
	sets = append(sets, "last_updated=?")
	args = append(args, s.Now().UTC().Format(time.RFC3339), id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE properties SET %s WHERE id=?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteProperty(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM properties WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, propertyID, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM property_metadata WHERE property_id=? AND key=?`, propertyID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQLiteStore) SetMetadata(ctx context.Context, propertyID, key, value string) error {
	now := s.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO property_metadata(property_id,key,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(property_id,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, propertyID, key, value, now)
	return err
}

// InsertProperty loads a record into the local catalog; used by import and
// the demo seeder, not part of the PropertyStore contract.
func (s *SQLiteStore) InsertProperty(ctx context.Context, p domain.PropertyRecord) error {
	now := s.Now().UTC().Format(time.RFC3339)
	if p.FirstSeen == "" {
		p.FirstSeen = now
	}
	if p.LastUpdated == "" {
		p.LastUpdated = now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO properties(`+propertyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Street), nullable(p.City), nullable(p.State), nullable(p.Zip),
		nullableFloatPtr(p.Price), nullableIntPtr(p.Units), nullableIntPtr(p.YearBuilt),
		nullableFloatPtr(p.SquareFeet), nullableFloatPtr(p.CapRate), nullableFloatPtr(p.PricePerUnit),
		nullable(p.PropertyType), nullable(p.Status), nullable(p.Description),
		nullable(p.SourceBrokerID), nullable(p.BrokerageID), p.FirstSeen, p.LastUpdated)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
