package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Notes
const (
	sqlInsertNote = `INSERT INTO notes(id, object_uri, object_type, actor_uri, content, in_reply_to_uri, sensitive, content_warning, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(object_uri) DO NOTHING`
	sqlSelectNoteByURI = `SELECT id, object_uri, object_type, actor_uri, content, in_reply_to_uri, sensitive, content_warning, published, edited_at, created_at
		FROM notes WHERE object_uri = ?`
	sqlSelectNotesByActor = `SELECT id, object_uri, object_type, actor_uri, content, in_reply_to_uri, sensitive, content_warning, published, edited_at, created_at
		FROM notes WHERE actor_uri = ? ORDER BY created_at DESC`
	sqlUpdateNote = `UPDATE notes SET content = ?, sensitive = ?, content_warning = ?, edited_at = ?
		WHERE object_uri = ? AND actor_uri = ?`
	sqlDeleteNote         = `DELETE FROM notes WHERE object_uri = ? AND actor_uri = ?`
	sqlDeleteNotesByActor = `DELETE FROM notes WHERE actor_uri = ?`
	sqlCountLocalNotes    = `SELECT COUNT(*) FROM notes n JOIN accounts a ON n.actor_uri = ? || a.username`
)

// Follows
const (
	sqlInsertFollow = `INSERT INTO follows(id, activity_uri, actor_uri, target_uri, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, target_uri) DO UPDATE SET activity_uri = excluded.activity_uri, updated_at = excluded.updated_at,
			state = CASE WHEN follows.state = 'rejected' THEN excluded.state ELSE follows.state END`
	sqlSelectFollow            = `SELECT id, activity_uri, actor_uri, target_uri, state, created_at, updated_at FROM follows`
	sqlSelectFollowByPair      = sqlSelectFollow + ` WHERE actor_uri = ? AND target_uri = ?`
	sqlSelectFollowersByTarget = sqlSelectFollow + ` WHERE target_uri = ? AND state = ? ORDER BY created_at`
	sqlSelectFollowingByActor  = sqlSelectFollow + ` WHERE actor_uri = ? AND state = ? ORDER BY created_at`
	sqlUpdateFollowStateByURI  = `UPDATE follows SET state = ?, updated_at = ? WHERE activity_uri = ? AND target_uri = ?`
	sqlUpdateFollowStateByPair = `UPDATE follows SET state = ?, updated_at = ? WHERE actor_uri = ? AND target_uri = ?`
	sqlDeleteFollowByActivity  = `DELETE FROM follows WHERE activity_uri = ? AND actor_uri = ?`
	sqlDeleteFollowByPair      = `DELETE FROM follows WHERE actor_uri = ? AND target_uri = ?`
	sqlDeleteFollowsByActor    = `DELETE FROM follows WHERE actor_uri = ? OR target_uri = ?`
)

// Reactions
const (
	sqlInsertReaction = `INSERT INTO reactions(id, kind, activity_uri, actor_uri, object_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteReactionByActivity = `DELETE FROM reactions WHERE kind = ? AND activity_uri = ? AND actor_uri = ?`
	sqlDeleteReactionByObject   = `DELETE FROM reactions WHERE kind = ? AND actor_uri = ? AND object_uri = ?`
	sqlDeleteReactionsByActor   = `DELETE FROM reactions WHERE actor_uri = ?`
	sqlCountReactions           = `SELECT COUNT(*) FROM reactions WHERE kind = ? AND object_uri = ?`
)

// CreateNote stores a note unless one with the same object uri exists.
// It reports whether a row was inserted.
func (db *DB) CreateNote(ctx context.Context, note *domain.Note) (bool, error) {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	return db.execAffects(ctx, sqlInsertNote, note.Id.String(), note.ObjectURI, note.ObjectType, note.ActorURI,
		note.Content, note.InReplyToURI, note.Sensitive, note.ContentWarning, nullTime(note.Published), note.CreatedAt)
}

func (db *DB) ReadNoteByURI(ctx context.Context, objectURI string) (*domain.Note, error) {
	note, err := scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteByURI, objectURI))
	if err != nil {
		return nil, classify(err)
	}
	return note, nil
}

func (db *DB) ReadNotesByActor(ctx context.Context, actorURI string) ([]domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectNotesByActor, actorURI)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return notes, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

// UpdateNote changes the content of a note owned by actorURI. It reports
// false when no such note exists.
func (db *DB) UpdateNote(ctx context.Context, note *domain.Note) (bool, error) {
	editedAt := time.Now().UTC()
	if note.EditedAt != nil {
		editedAt = *note.EditedAt
	}
	return db.execAffects(ctx, sqlUpdateNote, note.Content, note.Sensitive, note.ContentWarning, editedAt,
		note.ObjectURI, note.ActorURI)
}

// DeleteNote removes a note owned by actorURI.
func (db *DB) DeleteNote(ctx context.Context, objectURI, actorURI string) (bool, error) {
	return db.execAffects(ctx, sqlDeleteNote, objectURI, actorURI)
}

// DeleteActorData removes every note, follow and reaction of a remote actor.
func (db *DB) DeleteActorData(ctx context.Context, actorURI string) error {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlDeleteNotesByActor, actorURI); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlDeleteFollowsByActor, actorURI, actorURI); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlDeleteReactionsByActor, actorURI)
		return err
	})
	return classify(err)
}

// UpsertFollow records a follow request. A repeated request for the same
// pair adopts the newest activity id and keeps its state, except that a
// rejected follow becomes a new request.
func (db *DB) UpsertFollow(ctx context.Context, follow *domain.Follow) (*domain.Follow, error) {
	now := time.Now().UTC()
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.State == "" {
		follow.State = domain.FollowPending
	}
	var stored *domain.Follow
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFollow, follow.Id.String(), follow.ActivityURI, follow.ActorURI,
			follow.TargetURI, string(follow.State), now, now)
		if err != nil {
			return err
		}
		stored, err = scanFollow(tx.QueryRowContext(ctx, sqlSelectFollowByPair, follow.ActorURI, follow.TargetURI))
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

func (db *DB) ReadFollow(ctx context.Context, actorURI, targetURI string) (*domain.Follow, error) {
	follow, err := scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByPair, actorURI, targetURI))
	if err != nil {
		return nil, classify(err)
	}
	return follow, nil
}

// ReadFollowers lists accepted followers of targetURI.
func (db *DB) ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error) {
	return db.queryFollows(ctx, sqlSelectFollowersByTarget, targetURI, string(domain.FollowAccepted))
}

// ReadFollowing lists the accepted follows made by actorURI.
func (db *DB) ReadFollowing(ctx context.Context, actorURI string) ([]domain.Follow, error) {
	return db.queryFollows(ctx, sqlSelectFollowingByActor, actorURI, string(domain.FollowAccepted))
}

func (db *DB) queryFollows(ctx context.Context, query string, args ...any) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		follow, err := scanFollow(rows)
		if err != nil {
			return follows, err
		}
		follows = append(follows, *follow)
	}
	return follows, rows.Err()
}

// CountLocalNotes counts the notes authored by local accounts.
func (db *DB) CountLocalNotes(ctx context.Context) (int64, error) {
	var n int64
	prefix := fmt.Sprintf("https://%s/users/", db.localDomain)
	if err := db.db.QueryRowContext(ctx, sqlCountLocalNotes, prefix).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// SetFollowState updates a follow of targetURI found by its activity id or,
// failing that, by the (actor, target) pair. It reports false when neither
// matches.
func (db *DB) SetFollowState(ctx context.Context, activityURI, actorURI, targetURI string, state domain.FollowState) (bool, error) {
	now := time.Now().UTC()
	var changed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		changed = false
		if activityURI != "" {
			res, err := tx.ExecContext(ctx, sqlUpdateFollowStateByURI, string(state), now, activityURI, targetURI)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				changed = true
				return nil
			}
		}
		if actorURI == "" {
			return nil
		}
		res, err := tx.ExecContext(ctx, sqlUpdateFollowStateByPair, string(state), now, actorURI, targetURI)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, classify(err)
}

// DeleteFollow removes a follow by activity id, restricted to its actor.
func (db *DB) DeleteFollow(ctx context.Context, activityURI, actorURI string) (bool, error) {
	return db.execAffects(ctx, sqlDeleteFollowByActivity, activityURI, actorURI)
}

func (db *DB) DeleteFollowByPair(ctx context.Context, actorURI, targetURI string) (bool, error) {
	return db.execAffects(ctx, sqlDeleteFollowByPair, actorURI, targetURI)
}

// CreateReaction stores a like or announce. Repeats are ignored.
func (db *DB) CreateReaction(ctx context.Context, reaction *domain.Reaction) (bool, error) {
	if reaction.Id == uuid.Nil {
		reaction.Id = uuid.New()
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	return db.execAffects(ctx, sqlInsertReaction, reaction.Id.String(), string(reaction.Kind), reaction.ActivityURI,
		reaction.ActorURI, reaction.ObjectURI, reaction.CreatedAt)
}

// DeleteReaction removes a reaction by the activity that created it, or by
// the reacted object when objectURI is set.
func (db *DB) DeleteReaction(ctx context.Context, kind domain.ReactionKind, activityURI, actorURI, objectURI string) (bool, error) {
	removed, err := db.execAffects(ctx, sqlDeleteReactionByActivity, string(kind), activityURI, actorURI)
	if err != nil || removed || objectURI == "" {
		return removed, err
	}
	return db.execAffects(ctx, sqlDeleteReactionByObject, string(kind), actorURI, objectURI)
}

func (db *DB) CountReactions(ctx context.Context, kind domain.ReactionKind, objectURI string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountReactions, string(kind), objectURI).Scan(&n)
	return n, classify(err)
}

// execAffects runs a single statement and reports whether it changed a row.
func (db *DB) execAffects(ctx context.Context, query string, args ...any) (bool, error) {
	var affected int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, classify(err)
	}
	return affected > 0, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func scanNote(row scanner) (*domain.Note, error) {
	var note domain.Note
	var id string
	var published, editedAt sql.NullTime
	err := row.Scan(&id, &note.ObjectURI, &note.ObjectType, &note.ActorURI, &note.Content, &note.InReplyToURI,
		&note.Sensitive, &note.ContentWarning, &published, &editedAt, &note.CreatedAt)
	if err != nil {
		return nil, err
	}
	if note.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if published.Valid {
		note.Published = published.Time
	}
	if editedAt.Valid {
		t := editedAt.Time
		note.EditedAt = &t
	}
	return &note, nil
}

func scanFollow(row scanner) (*domain.Follow, error) {
	var follow domain.Follow
	var id, state string
	err := row.Scan(&id, &follow.ActivityURI, &follow.ActorURI, &follow.TargetURI, &state, &follow.CreatedAt, &follow.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if follow.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	follow.State = domain.FollowState(state)
	return &follow, nil
}
