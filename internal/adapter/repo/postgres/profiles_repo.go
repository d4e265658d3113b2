package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// ProfileRepo persists the fleet's browser-isolated upstream account
// profiles.
type ProfileRepo struct{ Pool PgxPool }

// NewProfileRepo constructs a ProfileRepo with the given pool.
func NewProfileRepo(p PgxPool) *ProfileRepo { return &ProfileRepo{Pool: p} }

const selectProfileColumns = `SELECT
	id, window_name, group_title, plan, COALESCE(proxy_mode,''), COALESCE(proxy_id,''), COALESCE(proxy_type,''),
	COALESCE(proxy_ip,''), COALESCE(proxy_port,0), COALESCE(proxy_real_ip,''), COALESCE(proxy_local_id,''),
	created_at, updated_at`

// Create inserts a new Profile and returns its generated id.
func (r *ProfileRepo) Create(ctx domain.Context, p domain.Profile) (int64, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Create")
	defer span.End()
	span.SetAttributes(attribute.String("profile.window_name", p.WindowName))

	now := time.Now().UTC()
	q := `INSERT INTO profiles (window_name, group_title, plan, proxy_mode, proxy_id, proxy_type, proxy_ip,
		proxy_port, proxy_real_ip, proxy_local_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`
	row := r.Pool.QueryRow(ctx, q, p.WindowName, p.GroupTitle, p.Plan, p.ProxyMode, p.ProxyID, p.ProxyType,
		p.ProxyIP, p.ProxyPort, p.ProxyRealIP, p.ProxyLocalID, now, now)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=profile.create window_name=%s: %w", p.WindowName, err)
	}
	return id, nil
}

// Get loads a Profile by id.
func (r *ProfileRepo) Get(ctx domain.Context, id int64) (domain.Profile, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, selectProfileColumns+` FROM profiles WHERE id=$1`, id)
	return scanProfile(row, id)
}

// GetByWindowName loads a Profile by its broker window handle.
func (r *ProfileRepo) GetByWindowName(ctx domain.Context, windowName string) (domain.Profile, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.GetByWindowName")
	defer span.End()
	row := r.Pool.QueryRow(ctx, selectProfileColumns+` FROM profiles WHERE window_name=$1`, windowName)
	p, err := scanProfileRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Profile{}, fmt.Errorf("op=profile.get_by_window_name window_name=%s: %w", windowName, domain.ErrNotFound)
		}
		return domain.Profile{}, fmt.Errorf("op=profile.get_by_window_name: %w", err)
	}
	return p, nil
}

// ListByGroup returns every Profile in groupTitle.
func (r *ProfileRepo) ListByGroup(ctx domain.Context, groupTitle string) ([]domain.Profile, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.ListByGroup")
	defer span.End()
	span.SetAttributes(attribute.String("profile.group_title", groupTitle))

	rows, err := r.Pool.Query(ctx, selectProfileColumns+` FROM profiles WHERE group_title=$1 ORDER BY id ASC`, groupTitle)
	if err != nil {
		return nil, fmt.Errorf("op=profile.list_by_group group_title=%s: %w", groupTitle, err)
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// ListAll returns every known Profile.
func (r *ProfileRepo) ListAll(ctx domain.Context) ([]domain.Profile, error) {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.ListAll")
	defer span.End()

	rows, err := r.Pool.Query(ctx, selectProfileColumns+` FROM profiles ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=profile.list_all: %w", err)
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// Update persists plan/proxy changes for an existing Profile.
func (r *ProfileRepo) Update(ctx domain.Context, p domain.Profile) error {
	tracer := otel.Tracer("repo.profiles")
	ctx, span := tracer.Start(ctx, "profiles.Update")
	defer span.End()
	span.SetAttributes(attribute.Int64("profile.id", p.ID))

	q := `UPDATE profiles SET plan=$2, proxy_mode=$3, proxy_id=$4, proxy_type=$5, proxy_ip=$6, proxy_port=$7,
		proxy_real_ip=$8, proxy_local_id=$9, updated_at=$10 WHERE id=$1`
	result, err := r.Pool.Exec(ctx, q, p.ID, p.Plan, p.ProxyMode, p.ProxyID, p.ProxyType, p.ProxyIP,
		p.ProxyPort, p.ProxyRealIP, p.ProxyLocalID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=profile.update id=%d: %w", p.ID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=profile.update id=%d: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func scanProfiles(rows pgx.Rows) ([]domain.Profile, error) {
	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfileRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=profile.scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row pgx.Row, id int64) (domain.Profile, error) {
	p, err := scanProfileRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Profile{}, fmt.Errorf("op=profile.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Profile{}, fmt.Errorf("op=profile.get: %w", err)
	}
	return p, nil
}

func scanProfileRow(row scannable) (domain.Profile, error) {
	var p domain.Profile
	if err := row.Scan(&p.ID, &p.WindowName, &p.GroupTitle, &p.Plan, &p.ProxyMode, &p.ProxyID, &p.ProxyType,
		&p.ProxyIP, &p.ProxyPort, &p.ProxyRealIP, &p.ProxyLocalID,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}
