package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

const positionColumns = `id, event_id, team_id, name, occupant_id, version, updated_at`

func scanPosition(row pgx.Row) (types.Position, error) {
	var (
		id, eventID, teamID, name string
		occupant                  *string
		version                   int64
		updatedAt                 time.Time
	)
	if err := row.Scan(&id, &eventID, &teamID, &name, &occupant, &version, &updatedAt); err != nil {
		return types.Position{}, err
	}
	p := types.Position{
		ID:        types.PositionID(id),
		EventID:   types.EventID(eventID),
		TeamID:    types.TeamID(teamID),
		Name:      name,
		Version:   version,
		UpdatedAt: updatedAt.UTC(),
	}
	if occupant != nil {
		user := types.UserID(*occupant)
		p.Occupant = &user
	}
	return p, nil
}

// EventPositions lists every position of an event ordered by team and name.
func (p *Postgres) EventPositions(ctx context.Context, eventID types.EventID) ([]types.Position, error) {
	var out []types.Position
	err := p.observe(ctx, "event_positions", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
SELECT `+positionColumns+`
FROM positions
WHERE event_id = $1
ORDER BY team_id, name, id`, string(eventID))
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			pos, err := scanPosition(rows)
			if err != nil {
				return err
			}
			out = append(out, pos)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", eventID, err)
	}
	return out, nil
}

// Position loads one position.
func (p *Postgres) Position(ctx context.Context, id types.PositionID) (types.Position, error) {
	var pos types.Position
	err := p.observe(ctx, "position", func(ctx context.Context) error {
		var err error
		pos, err = p.position(ctx, id)
		return err
	})
	return pos, err
}

func (p *Postgres) position(ctx context.Context, id types.PositionID) (types.Position, error) {
	pos, err := scanPosition(p.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Position{}, apperr.NotFound(fmt.Sprintf("position %s does not exist", id))
	}
	if err != nil {
		return types.Position{}, fmt.Errorf("load position %s: %w", id, err)
	}
	return pos, nil
}

// SavePosition inserts or renames a position without touching its occupant.
func (p *Postgres) SavePosition(ctx context.Context, pos types.Position) (types.Position, error) {
	var saved types.Position
	err := p.observe(ctx, "save_position", func(ctx context.Context) error {
		return p.retry(ctx, "save_position", func(ctx context.Context) error {
			var err error
			saved, err = scanPosition(p.pool.QueryRow(ctx, `
INSERT INTO positions (id, event_id, team_id, name)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id)
DO UPDATE SET event_id = EXCLUDED.event_id, team_id = EXCLUDED.team_id, name = EXCLUDED.name,
              version = positions.version + 1, updated_at = now()
RETURNING `+positionColumns,
				string(pos.ID), string(pos.EventID), string(pos.TeamID), pos.Name))
			return err
		})
	})
	if err != nil {
		return types.Position{}, fmt.Errorf("save position %s: %w", pos.ID, err)
	}
	return saved, nil
}

// Claim occupies an open position. Claiming a position the user already
// holds returns it unchanged; one held by someone else is AlreadyClaimed.
func (p *Postgres) Claim(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	var pos types.Position
	err := p.observe(ctx, "claim", func(ctx context.Context) error {
		return p.retry(ctx, "claim", func(ctx context.Context) error {
			var err error
			pos, err = scanPosition(p.pool.QueryRow(ctx, `
UPDATE positions
SET occupant_id = $2, version = version + 1, updated_at = now()
WHERE id = $1 AND occupant_id IS NULL
RETURNING `+positionColumns, string(id), string(user)))
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			current, err := p.position(ctx, id)
			if err != nil {
				return err
			}
			if current.HeldBy(user) {
				pos = current
				return nil
			}
			return apperr.AlreadyClaimed(fmt.Sprintf("position %s is already taken", id))
		})
	})
	return pos, err
}

// Release frees a position held by user. Releasing an open position returns
// it unchanged; one held by someone else is Unauthorized.
func (p *Postgres) Release(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	var pos types.Position
	err := p.observe(ctx, "release", func(ctx context.Context) error {
		return p.retry(ctx, "release", func(ctx context.Context) error {
			var err error
			pos, err = scanPosition(p.pool.QueryRow(ctx, `
UPDATE positions
SET occupant_id = NULL, version = version + 1, updated_at = now()
WHERE id = $1 AND occupant_id = $2
RETURNING `+positionColumns, string(id), string(user)))
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			current, err := p.position(ctx, id)
			if err != nil {
				return err
			}
			if current.Open() {
				pos = current
				return nil
			}
			return apperr.Unauthorized(fmt.Sprintf("position %s is held by someone else", id))
		})
	})
	return pos, err
}

// Assign sets the occupant regardless of the current one. A nil user clears
// the position.
func (p *Postgres) Assign(ctx context.Context, id types.PositionID, user *types.UserID) (types.Position, error) {
	var occupant *string
	if user != nil {
		s := string(*user)
		occupant = &s
	}
	var pos types.Position
	err := p.observe(ctx, "assign", func(ctx context.Context) error {
		return p.retry(ctx, "assign", func(ctx context.Context) error {
			var err error
			pos, err = scanPosition(p.pool.QueryRow(ctx, `
UPDATE positions
SET occupant_id = $2, version = version + 1, updated_at = now()
WHERE id = $1
RETURNING `+positionColumns, string(id), occupant))
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound(fmt.Sprintf("position %s does not exist", id))
			}
			return err
		})
	})
	return pos, err
}
