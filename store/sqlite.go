package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mak2salazarjr/ploggy/protocol"
)

// maxPullTransactionObjectCount bounds how many pulled objects are
// committed in one transaction before the pull task flushes.
const maxPullTransactionObjectCount = 100

const schemaSQL = `
CREATE TABLE IF NOT EXISTS self (
    id               INTEGER PRIMARY KEY CHECK (id = 1),
    public_identity  TEXT NOT NULL,
    private_identity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS friends (
    id                TEXT PRIMARY KEY,
    public_identity   TEXT NOT NULL,
    x509_certificate  TEXT NOT NULL,
    last_sent_ts      INTEGER NOT NULL DEFAULT 0,
    bytes_sent        INTEGER NOT NULL DEFAULT 0,
    last_received_ts  INTEGER NOT NULL DEFAULT 0,
    bytes_received    INTEGER NOT NULL DEFAULT 0,
    last_received_seq INTEGER NOT NULL DEFAULT 0,
    sent_ack_seq      INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS friends_certificate ON friends (x509_certificate);
CREATE TABLE IF NOT EXISTS groups (
    id        TEXT PRIMARY KEY,
    is_self   INTEGER NOT NULL,
    sequence  INTEGER NOT NULL,
    object    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS group_members (
    group_id  TEXT NOT NULL,
    member_id TEXT NOT NULL,
    PRIMARY KEY (group_id, member_id)
);
CREATE TABLE IF NOT EXISTS posts (
    id        TEXT PRIMARY KEY,
    group_id  TEXT NOT NULL,
    is_self   INTEGER NOT NULL,
    sequence  INTEGER NOT NULL,
    object    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_group ON posts (group_id);
CREATE TABLE IF NOT EXISTS locations (
    friend_id TEXT PRIMARY KEY,
    object    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS deliveries (
    friend_id TEXT NOT NULL,
    object_id TEXT NOT NULL,
    sequence  INTEGER NOT NULL,
    PRIMARY KEY (friend_id, object_id)
);
CREATE TABLE IF NOT EXISTS downloads (
    friend_id   TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    mime_type   TEXT NOT NULL,
    size        INTEGER NOT NULL,
    state       INTEGER NOT NULL,
    PRIMARY KEY (friend_id, resource_id)
);
CREATE TABLE IF NOT EXISTS local_resources (
    resource_id TEXT PRIMARY KEY,
    post_id     TEXT NOT NULL,
    mime_type   TEXT NOT NULL,
    size        INTEGER NOT NULL,
    file_path   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sequence_counter (
    id   INTEGER PRIMARY KEY CHECK (id = 1),
    next INTEGER NOT NULL
);
INSERT OR IGNORE INTO sequence_counter (id, next) VALUES (1, 1);
`

// selfLocationKey is the locations row holding the local fix.
const selfLocationKey = ""

// SQLiteStore is the sqlite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the sqlite database at path and applies the
// schema. SQLite supports one writer at a time, so the connection pool
// is pinned to a single connection.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MaxPullTransactionObjectCount reports the pull commit chunk size.
func (s *SQLiteStore) MaxPullTransactionObjectCount() int {
	return maxPullTransactionObjectCount
}

// GetSelf returns the local identity pair.
func (s *SQLiteStore) GetSelf() (*Self, error) {
	var publicRaw, privateRaw string
	err := s.db.QueryRow(`SELECT public_identity, private_identity FROM self WHERE id = 1`).
		Scan(&publicRaw, &privateRaw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	self := &Self{}
	if err := json.Unmarshal([]byte(publicRaw), &self.PublicIdentity); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(privateRaw), &self.PrivateIdentity); err != nil {
		return nil, err
	}
	return self, nil
}

// PutSelf stores the local identity pair.
func (s *SQLiteStore) PutSelf(self *Self) error {
	publicRaw, err := json.Marshal(self.PublicIdentity)
	if err != nil {
		return err
	}
	privateRaw, err := json.Marshal(self.PrivateIdentity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO self (id, public_identity, private_identity) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET public_identity = excluded.public_identity,
		                                private_identity = excluded.private_identity`,
		string(publicRaw), string(privateRaw))
	return err
}

func scanFriend(row interface{ Scan(...interface{}) error }) (*Friend, error) {
	var publicRaw string
	var lastSent, lastReceived int64
	friend := &Friend{}
	err := row.Scan(&friend.ID, &publicRaw, &lastSent, &friend.BytesSentTo,
		&lastReceived, &friend.BytesReceivedFrom)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(publicRaw), &friend.PublicIdentity); err != nil {
		return nil, err
	}
	if lastSent > 0 {
		friend.LastSentToTimestamp = time.Unix(0, lastSent)
	}
	if lastReceived > 0 {
		friend.LastReceivedFromTimestamp = time.Unix(0, lastReceived)
	}
	return friend, nil
}

const friendColumns = `id, public_identity, last_sent_ts, bytes_sent, last_received_ts, bytes_received`

// GetFriends returns all friends.
func (s *SQLiteStore) GetFriends() ([]*Friend, error) {
	rows, err := s.db.Query(`SELECT ` + friendColumns + ` FROM friends ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var friends []*Friend
	for rows.Next() {
		friend, err := scanFriend(rows)
		if err != nil {
			return nil, err
		}
		friends = append(friends, friend)
	}
	return friends, rows.Err()
}

// GetFriendByID returns the friend with the given id.
func (s *SQLiteStore) GetFriendByID(friendID string) (*Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE id = ?`, friendID)
	return scanFriend(row)
}

// GetFriendByCertificate returns the friend presenting the given
// X.509 certificate.
func (s *SQLiteStore) GetFriendByCertificate(certificate string) (*Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE x509_certificate = ?`, certificate)
	return scanFriend(row)
}

// PutFriend inserts or replaces a friend.
func (s *SQLiteStore) PutFriend(friend *Friend) error {
	publicRaw, err := json.Marshal(friend.PublicIdentity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO friends (id, public_identity, x509_certificate) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET public_identity = excluded.public_identity,
		                                x509_certificate = excluded.x509_certificate`,
		friend.ID, string(publicRaw), friend.PublicIdentity.X509Certificate)
	return err
}

// RemoveFriend deletes a friend and its per-friend sync state.
func (s *SQLiteStore) RemoveFriend(friendID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, statement := range []string{
		`DELETE FROM friends WHERE id = ?`,
		`DELETE FROM deliveries WHERE friend_id = ?`,
		`DELETE FROM downloads WHERE friend_id = ?`,
		`DELETE FROM locations WHERE friend_id = ?`,
	} {
		if _, err := tx.Exec(statement, friendID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateFriendSent records a completed transfer toward the friend.
func (s *SQLiteStore) UpdateFriendSent(friendID string, timestamp time.Time, additionalBytes int64) error {
	result, err := s.db.Exec(
		`UPDATE friends SET last_sent_ts = ?, bytes_sent = bytes_sent + ? WHERE id = ?`,
		timestamp.UnixNano(), additionalBytes, friendID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// UpdateFriendReceived records a completed transfer from the friend.
func (s *SQLiteStore) UpdateFriendReceived(friendID string, timestamp time.Time, additionalBytes int64) error {
	result, err := s.db.Exec(
		`UPDATE friends SET last_received_ts = ?, bytes_received = bytes_received + ? WHERE id = ?`,
		timestamp.UnixNano(), additionalBytes, friendID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) nextSequence(tx *sql.Tx) (int64, error) {
	var next int64
	if err := tx.QueryRow(`SELECT next FROM sequence_counter WHERE id = 1`).Scan(&next); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE sequence_counter SET next = next + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	return next, nil
}

// GetGroup returns the group with the given id.
func (s *SQLiteStore) GetGroup(groupID string) (*protocol.Group, error) {
	var raw string
	err := s.db.QueryRow(`SELECT object FROM groups WHERE id = ?`, groupID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	group := &protocol.Group{}
	if err := json.Unmarshal([]byte(raw), group); err != nil {
		return nil, err
	}
	return group, nil
}

// PutGroup stores a self-authored group, assigning its id (when new)
// and sequence number.
func (s *SQLiteStore) PutGroup(group *protocol.Group) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	return s.putGroup(group, true)
}

func (s *SQLiteStore) putGroup(group *protocol.Group, isSelf bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if isSelf {
		sequence, err := s.nextSequence(tx)
		if err != nil {
			return err
		}
		group.Sequence = sequence
	}
	raw, err := json.Marshal(group)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO groups (id, is_self, sequence, object) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET sequence = excluded.sequence, object = excluded.object`,
		group.ID, boolInt(isSelf), group.Sequence, string(raw)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, group.ID); err != nil {
		return err
	}
	for _, member := range group.Members {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO group_members (group_id, member_id) VALUES (?, ?)`,
			group.ID, member.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetPost returns the post with the given id.
func (s *SQLiteStore) GetPost(postID string) (*protocol.Post, error) {
	var raw string
	err := s.db.QueryRow(`SELECT object FROM posts WHERE id = ?`, postID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	post := &protocol.Post{}
	if err := json.Unmarshal([]byte(raw), post); err != nil {
		return nil, err
	}
	return post, nil
}

// PutPost stores a self-authored post, assigning its id (when new) and
// sequence number.
func (s *SQLiteStore) PutPost(post *protocol.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	sequence, err := s.nextSequence(tx)
	if err != nil {
		return err
	}
	post.Sequence = sequence
	raw, err := json.Marshal(post)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO posts (id, group_id, is_self, sequence, object) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET sequence = excluded.sequence, object = excluded.object`,
		post.ID, post.GroupID, post.Sequence, string(raw)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSelfLocation returns the most recent local location fix.
func (s *SQLiteStore) GetSelfLocation() (*protocol.Location, error) {
	return s.getLocation(selfLocationKey)
}

// PutSelfLocation stores the local location fix.
func (s *SQLiteStore) PutSelfLocation(location *protocol.Location) error {
	return s.putLocation(selfLocationKey, location)
}

func (s *SQLiteStore) getLocation(key string) (*protocol.Location, error) {
	var raw string
	err := s.db.QueryRow(`SELECT object FROM locations WHERE friend_id = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	location := &protocol.Location{}
	if err := json.Unmarshal([]byte(raw), location); err != nil {
		return nil, err
	}
	return location, nil
}

func (s *SQLiteStore) putLocation(key string, location *protocol.Location) error {
	raw, err := json.Marshal(location)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO locations (friend_id, object) VALUES (?, ?)
		 ON CONFLICT (friend_id) DO UPDATE SET object = excluded.object`,
		key, string(raw))
	return err
}

// PutPushedGroup stores a group pushed by a friend.
func (s *SQLiteStore) PutPushedGroup(friendID string, group *protocol.Group) error {
	if err := s.putGroup(group, false); err != nil {
		return err
	}
	return s.advanceReceivedSequence(friendID, group.Sequence)
}

// PutPushedPost stores a post pushed by a friend and registers download
// records for its attachments. It reports whether the post was newly
// accepted.
func (s *SQLiteStore) PutPushedPost(friendID string, post *protocol.Post) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingSequence int64
	err = tx.QueryRow(`SELECT sequence FROM posts WHERE id = ?`, post.ID).Scan(&existingSequence)
	isNew := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if !isNew && existingSequence >= post.Sequence {
		return false, tx.Commit()
	}

	raw, err := json.Marshal(post)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(
		`INSERT INTO posts (id, group_id, is_self, sequence, object) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET sequence = excluded.sequence, object = excluded.object`,
		post.ID, post.GroupID, post.Sequence, string(raw)); err != nil {
		return false, err
	}
	for _, attachment := range post.Attachments {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO downloads (friend_id, resource_id, mime_type, size, state)
			 VALUES (?, ?, ?, ?, ?)`,
			friendID, attachment.ID, attachment.MimeType, attachment.Size,
			DownloadStateInProgress); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return isNew, s.advanceReceivedSequence(friendID, post.Sequence)
}

// PutPushedLocation stores a friend's pushed location.
func (s *SQLiteStore) PutPushedLocation(friendID string, location *protocol.Location) error {
	return s.putLocation(friendID, location)
}

func (s *SQLiteStore) advanceReceivedSequence(friendID string, sequence int64) error {
	_, err := s.db.Exec(
		`UPDATE friends SET last_received_seq = MAX(last_received_seq, ?) WHERE id = ?`,
		sequence, friendID)
	return err
}

// GetPullRequest derives the sync cursor to send to the friend. The
// reciprocal-pull flag is set only when we hold self-authored data the
// friend has not yet received, so two idle peers stop asking each
// other to pull.
func (s *SQLiteStore) GetPullRequest(friendID string) (*protocol.PullRequest, error) {
	var lastReceived, sentAck int64
	err := s.db.QueryRow(`SELECT last_received_seq, sent_ack_seq FROM friends WHERE id = ?`, friendID).
		Scan(&lastReceived, &sentAck)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	hasUnsent, err := s.hasUnsentData(friendID, sentAck)
	if err != nil {
		return nil, err
	}
	return &protocol.PullRequest{LastReceivedSequence: lastReceived, RequestReciprocal: hasUnsent}, nil
}

// hasUnsentData reports whether any self-authored group or post in the
// friend's groups is newer than cursor and not already confirmed
// delivered by a push.
func (s *SQLiteStore) hasUnsentData(friendID string, cursor int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (
		     SELECT 1 FROM groups g
		     JOIN group_members m ON m.group_id = g.id
		     WHERE g.is_self = 1 AND m.member_id = ? AND g.sequence > ?
		       AND NOT EXISTS (SELECT 1 FROM deliveries d
		                       WHERE d.friend_id = ? AND d.object_id = g.id AND d.sequence >= g.sequence)
		   UNION ALL
		     SELECT 1 FROM posts p
		     JOIN group_members m ON m.group_id = p.group_id
		     WHERE p.is_self = 1 AND m.member_id = ? AND p.sequence > ?
		       AND NOT EXISTS (SELECT 1 FROM deliveries d
		                       WHERE d.friend_id = ? AND d.object_id = p.id AND d.sequence >= p.sequence)
		 )`,
		friendID, cursor, friendID, friendID, cursor, friendID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// PutPullResponse stores one batch of pulled objects. Each object is
// written in its own transaction; the batch as a whole is not atomic. A non-nil
// request marks this commit as answering that cursor; partial follow-up
// commits pass nil so acknowledgments are not re-applied.
func (s *SQLiteStore) PutPullResponse(friendID string, request *protocol.PullRequest, groups []*protocol.Group, posts []*protocol.Post) error {
	highest := int64(0)
	for _, group := range groups {
		if err := s.putGroup(group, false); err != nil {
			return err
		}
		if group.Sequence > highest {
			highest = group.Sequence
		}
	}
	for _, post := range posts {
		if _, err := s.PutPushedPost(friendID, post); err != nil {
			return err
		}
		if post.Sequence > highest {
			highest = post.Sequence
		}
	}
	if highest > 0 {
		if err := s.advanceReceivedSequence(friendID, highest); err != nil {
			return err
		}
	}
	if request != nil {
		// The cursor we sent acknowledged everything at or below it;
		// nothing below it will be requested again.
		_, err := s.db.Exec(
			`UPDATE friends SET last_received_seq = MAX(last_received_seq, ?) WHERE id = ?`,
			request.LastReceivedSequence, friendID)
		return err
	}
	return nil
}

// ConfirmSentTo records that the friend received the pushed group or
// post, so it is excluded from future pull responses to that friend.
func (s *SQLiteStore) ConfirmSentTo(friendID string, payload protocol.Payload) error {
	var objectID string
	var sequence int64
	switch payload.Type {
	case protocol.PayloadGroup:
		objectID, sequence = payload.Group.ID, payload.Group.Sequence
	case protocol.PayloadPost:
		objectID, sequence = payload.Post.ID, payload.Post.Sequence
	default:
		// Locations are fire-and-forget; there is nothing to confirm.
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO deliveries (friend_id, object_id, sequence) VALUES (?, ?, ?)
		 ON CONFLICT (friend_id, object_id) DO UPDATE SET sequence = excluded.sequence`,
		friendID, objectID, sequence)
	return err
}

// ConfirmSentUpTo applies a peer's pull cursor as an acknowledgment of
// everything at or below its sequence number.
func (s *SQLiteStore) ConfirmSentUpTo(friendID string, request *protocol.PullRequest) error {
	result, err := s.db.Exec(
		`UPDATE friends SET sent_ack_seq = MAX(sent_ack_seq, ?) WHERE id = ?`,
		request.LastReceivedSequence, friendID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// GetPullResponse streams the self-authored groups and posts newer
// than the friend's acknowledged position, restricted to groups the
// friend belongs to. Items the friend already acknowledged (via its
// cursor, this request's or an earlier one's) or that a push already
// confirmed delivered are not sent again.
func (s *SQLiteStore) GetPullResponse(friendID string, request *protocol.PullRequest) (PullResponseIterator, error) {
	var sentAck int64
	err := s.db.QueryRow(`SELECT sent_ack_seq FROM friends WHERE id = ?`, friendID).Scan(&sentAck)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cursor := request.LastReceivedSequence
	if sentAck > cursor {
		cursor = sentAck
	}
	rows, err := s.db.Query(
		`SELECT kind, object FROM (
		     SELECT 'group' AS kind, g.object AS object, g.sequence AS sequence
		     FROM groups g
		     JOIN group_members m ON m.group_id = g.id
		     WHERE g.is_self = 1 AND m.member_id = ? AND g.sequence > ?
		       AND NOT EXISTS (SELECT 1 FROM deliveries d
		                       WHERE d.friend_id = ? AND d.object_id = g.id AND d.sequence >= g.sequence)
		   UNION ALL
		     SELECT 'post' AS kind, p.object AS object, p.sequence AS sequence
		     FROM posts p
		     JOIN group_members m ON m.group_id = p.group_id
		     WHERE p.is_self = 1 AND m.member_id = ? AND p.sequence > ?
		       AND NOT EXISTS (SELECT 1 FROM deliveries d
		                       WHERE d.friend_id = ? AND d.object_id = p.id AND d.sequence >= p.sequence)
		 ) ORDER BY sequence`,
		friendID, cursor, friendID, friendID, cursor, friendID)
	if err != nil {
		return nil, err
	}
	return &pullResponseRows{rows: rows}, nil
}

type pullResponseRows struct {
	rows *sql.Rows
}

func (r *pullResponseRows) Next() (protocol.Payload, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return protocol.Payload{}, err
		}
		return protocol.Payload{}, io.EOF
	}
	var kind, raw string
	if err := r.rows.Scan(&kind, &raw); err != nil {
		return protocol.Payload{}, err
	}
	switch kind {
	case "group":
		group := &protocol.Group{}
		if err := json.Unmarshal([]byte(raw), group); err != nil {
			return protocol.Payload{}, err
		}
		return protocol.NewGroupPayload(group), nil
	default:
		post := &protocol.Post{}
		if err := json.Unmarshal([]byte(raw), post); err != nil {
			return protocol.Payload{}, err
		}
		return protocol.NewPostPayload(post), nil
	}
}

func (r *pullResponseRows) Close() error {
	return r.rows.Close()
}

// GetNextInProgressDownload returns one pending download from the
// friend, or ErrNotFound when none remain.
func (s *SQLiteStore) GetNextInProgressDownload(friendID string) (*Download, error) {
	download := &Download{FriendID: friendID}
	var state int
	err := s.db.QueryRow(
		`SELECT resource_id, mime_type, size, state FROM downloads
		 WHERE friend_id = ? AND state = ? ORDER BY resource_id LIMIT 1`,
		friendID, DownloadStateInProgress).
		Scan(&download.ResourceID, &download.MimeType, &download.Size, &state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	download.State = DownloadState(state)
	return download, nil
}

// UpdateDownloadState advances a download's lifecycle state.
func (s *SQLiteStore) UpdateDownloadState(friendID, resourceID string, state DownloadState) error {
	result, err := s.db.Exec(
		`UPDATE downloads SET state = ? WHERE friend_id = ? AND resource_id = ?`,
		state, friendID, resourceID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// AddLocalResource registers a locally published attachment.
func (s *SQLiteStore) AddLocalResource(resource *LocalResource) error {
	_, err := s.db.Exec(
		`INSERT INTO local_resources (resource_id, post_id, mime_type, size, file_path)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (resource_id) DO UPDATE SET post_id = excluded.post_id,
		     mime_type = excluded.mime_type, size = excluded.size, file_path = excluded.file_path`,
		resource.ResourceID, resource.PostID, resource.MimeType, resource.Size, resource.FilePath)
	return err
}

// GetLocalResourceForDownload returns the local resource if the friend
// is allowed to fetch it: the resource's post must belong to a group
// the friend is a member of.
func (s *SQLiteStore) GetLocalResourceForDownload(friendID, resourceID string) (*LocalResource, error) {
	resource := &LocalResource{ResourceID: resourceID}
	err := s.db.QueryRow(
		`SELECT r.post_id, r.mime_type, r.size, r.file_path
		 FROM local_resources r
		 JOIN posts p ON p.id = r.post_id
		 JOIN group_members m ON m.group_id = p.group_id
		 WHERE r.resource_id = ? AND m.member_id = ?`,
		resourceID, friendID).
		Scan(&resource.PostID, &resource.MimeType, &resource.Size, &resource.FilePath)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resource, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
