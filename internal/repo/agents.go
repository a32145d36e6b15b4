package repo

import (
	"context"
	"database/sql"
	"sort"

	"fieldline/internal/domain"
)

// UpsertAgent inserts or refreshes an agent and replaces its language set.
func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	active := 0
	if a.Active {
		active = 1
	}
	_, err := exec(ctx, `INSERT INTO agents(id,name,active,team_lead_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, active=excluded.active, team_lead_id=excluded.team_lead_id`,
		a.ID, a.Name, active, nullableStringPtr(a.TeamLeadID), a.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := exec(ctx, `DELETE FROM agent_languages WHERE agent_id=?`, a.ID); err != nil {
		return err
	}
	for _, lang := range a.Languages {
		if _, err := exec(ctx, `INSERT OR IGNORE INTO agent_languages(agent_id, language) VALUES (?,?)`, a.ID, lang); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var active int
	var teamLead sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,active,team_lead_id,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &active, &teamLead, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Active = active != 0
	if teamLead.Valid {
		a.TeamLeadID = &teamLead.String
	}
	a.Languages, err = r.agentLanguages(ctx, a.ID)
	return a, err
}

func (r Repo) agentLanguages(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT language FROM agent_languages WHERE agent_id=? ORDER BY language`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var langs []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		langs = append(langs, l)
	}
	return langs, rows.Err()
}

func (r Repo) ListAgents(ctx context.Context, onlyActive bool) ([]domain.Agent, error) {
	query := `SELECT id,name,active,team_lead_id,created_at FROM agents`
	if onlyActive {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var active int
		var teamLead sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &active, &teamLead, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Active = active != 0
		if teamLead.Valid {
			a.TeamLeadID = &teamLead.String
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range agents {
		agents[i].Languages, err = r.agentLanguages(ctx, agents[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// ListAgentsByLanguage returns active agents speaking a language, in stable
// id order so round-robin cursors stay meaningful across runs.
func (r Repo) ListAgentsByLanguage(ctx context.Context, language string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id,a.name,a.active,a.team_lead_id,a.created_at
FROM agents a JOIN agent_languages al ON al.agent_id = a.id
WHERE al.language=? AND a.active=1
ORDER BY a.id`, language)
	if err != nil {
		return nil, err
	}
	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var active int
		var teamLead sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &active, &teamLead, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Active = active != 0
		if teamLead.Valid {
			a.TeamLeadID = &teamLead.String
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// GetCursor returns the round-robin position for a language, 0 if unset.
func (r Repo) GetCursor(ctx context.Context, language string) (int, error) {
	var pos int
	err := r.DB.QueryRowContext(ctx, `SELECT position FROM allocation_cursors WHERE language=?`, language).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pos, err
}

func (r Repo) SetCursorTx(ctx context.Context, tx *sql.Tx, language string, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO allocation_cursors(language, position) VALUES (?,?)
ON CONFLICT(language) DO UPDATE SET position=excluded.position`, language, position)
	return err
}
