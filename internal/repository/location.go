package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/busrelay/internal/models"
)

// LocationRepository PostgreSQL 位置仓库
type LocationRepository struct {
	db        *DB
	retention time.Duration
	now       func() time.Time
}

// NewLocationRepository 创建位置仓库
func NewLocationRepository(db *DB, retention time.Duration) *LocationRepository {
	return &LocationRepository{db: db, retention: retention, now: time.Now}
}

func (r *LocationRepository) cutoff() time.Time {
	return r.now().Add(-r.retention)
}

const locationColumns = `bus_id, latitude, longitude, observed_at, status, issue, created_at`

// Latest 获取车辆最新位置
func (r *LocationRepository) Latest(ctx context.Context, busID string) (*models.BusLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM bus_locations WHERE bus_id = $1 AND created_at > $2`

	loc, err := scanLocation(r.db.Pool.QueryRow(ctx, query, busID, r.cutoff()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get latest location", err)
	}
	return loc, nil
}

// Replace 单条 upsert 完成替换，观测时间较旧的上报不会覆盖较新的记录；
// 已过期的旧行总是可以被覆盖
func (r *LocationRepository) Replace(ctx context.Context, loc *models.BusLocation) (bool, error) {
	query := `
		INSERT INTO bus_locations (` + locationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bus_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			observed_at = EXCLUDED.observed_at,
			status = EXCLUDED.status,
			issue = EXCLUDED.issue,
			created_at = EXCLUDED.created_at
		WHERE bus_locations.observed_at <= EXCLUDED.observed_at OR bus_locations.created_at <= $8
		RETURNING created_at
	`
	now := r.now()
	var createdAt time.Time
	err := r.db.Pool.QueryRow(ctx, query,
		loc.BusID,
		loc.Latitude,
		loc.Longitude,
		loc.Timestamp,
		string(loc.Status),
		loc.Issue,
		now,
		now.Add(-r.retention),
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("replace location", err)
	}

	loc.CreatedAt = createdAt
	return true, nil
}

// AllLatest 所有车辆的未过期位置
func (r *LocationRepository) AllLatest(ctx context.Context) ([]*models.BusLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM bus_locations WHERE created_at > $1 ORDER BY bus_id`

	rows, err := r.db.Pool.Query(ctx, query, r.cutoff())
	if err != nil {
		return nil, unavailable("list latest locations", err)
	}
	defer rows.Close()

	locations := make([]*models.BusLocation, 0)
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, unavailable("scan location", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate locations", err)
	}

	return locations, nil
}

// PurgeExpired 删除过期记录
func (r *LocationRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM bus_locations WHERE created_at <= $1`, r.cutoff())
	if err != nil {
		return 0, unavailable("purge expired locations", err)
	}
	return tag.RowsAffected(), nil
}

// Ping 检查连接
func (r *LocationRepository) Ping(ctx context.Context) error {
	if err := r.db.Pool.Ping(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// Close 关闭连接池
func (r *LocationRepository) Close() error {
	r.db.Close()
	return nil
}

func scanLocation(row pgx.Row) (*models.BusLocation, error) {
	loc := &models.BusLocation{}
	var status string
	err := row.Scan(
		&loc.BusID,
		&loc.Latitude,
		&loc.Longitude,
		&loc.Timestamp,
		&status,
		&loc.Issue,
		&loc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	loc.Status = models.BusStatus(status)
	return loc, nil
}
