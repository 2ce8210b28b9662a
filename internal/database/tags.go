package database

import "context"

type TagGroup struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type Tag struct {
	ID            int64  `json:"id"`
	GroupID       int64  `json:"group_id"`
	Value         string `json:"value"`
	CaseSensitive bool   `json:"case_sensitive"`
	Enabled       bool   `json:"enabled"`
}

func (db *DB) ListTagGroups(ctx context.Context) ([]TagGroup, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id, name, enabled FROM tag_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []TagGroup
	for rows.Next() {
		var g TagGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Enabled); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (db *DB) CreateTagGroup(ctx context.Context, name string, enabled bool) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO tag_groups (name, enabled) VALUES ($1, $2) RETURNING id`,
		name, enabled).Scan(&id)
	return id, err
}

func (db *DB) UpdateTagGroup(ctx context.Context, g *TagGroup) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE tag_groups SET name = $2, enabled = $3 WHERE id = $1`, g.ID, g.Name, g.Enabled)
	return err
}

// DeleteTagGroup removes a tag group; tags cascade.
func (db *DB) DeleteTagGroup(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM tag_groups WHERE id = $1`, id)
	return err
}

// ListTags returns all tags of a group, enabled or not, ordered by value.
func (db *DB) ListTags(ctx context.Context, groupID int64) ([]Tag, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, group_id, value, case_sensitive, enabled FROM tags
		 WHERE group_id = $1 ORDER BY value`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Value, &t.CaseSensitive, &t.Enabled); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (db *DB) CreateTag(ctx context.Context, t *Tag) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO tags (group_id, value, case_sensitive, enabled)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		t.GroupID, t.Value, t.CaseSensitive, t.Enabled).Scan(&id)
	return id, err
}

func (db *DB) UpdateTag(ctx context.Context, t *Tag) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE tags SET value = $2, case_sensitive = $3, enabled = $4 WHERE id = $1`,
		t.ID, t.Value, t.CaseSensitive, t.Enabled)
	return err
}

func (db *DB) DeleteTag(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
	return err
}
