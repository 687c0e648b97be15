package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yamato-dev/linedesk/internal/models"
)

// maxShardScan bounds how many monthly shards a backward page walk will
// visit before giving up. Months with no traffic have no table at all, so
// the walk skips gaps instead of stopping at the first missing shard.
const maxShardScan = 24

var (
	// ErrDuplicateEvent marks an idempotency conflict on ingestion. Expected
	// under at-least-once delivery, never logged as a failure.
	ErrDuplicateEvent = errors.New("event already ingested")
	// ErrAnchorNotFound is returned when a jump-to-message anchor does not
	// exist in its shard.
	ErrAnchorNotFound = errors.New("anchor message not found")
)

// MessageStore 消息仓储，按月分表
type MessageStore struct {
	db *gorm.DB

	// known-existing shard tables; checked once per table, not per row
	mu     sync.RWMutex
	shards map[string]bool

	now func() time.Time
}

// NewMessageStore 创建消息仓储实例
func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{
		db:     db,
		shards: make(map[string]bool),
		now:    time.Now,
	}
}

// WindowEntry is one row of a jump-to-context window.
type WindowEntry struct {
	Message  models.Message `json:"message"`
	IsAnchor bool           `json:"is_anchor"`
}

// Window is the result of QueryAround.
type Window struct {
	Entries       []WindowEntry `json:"entries"`
	HasMoreBefore bool          `json:"has_more_before"`
	HasMoreAfter  bool          `json:"has_more_after"`
}

// ConversationActivity is one row of the batched polling summary.
type ConversationActivity struct {
	ConversationID string          `json:"conversation_id"`
	UnreadCount    int64           `json:"unread_count"`
	LastMessage    *models.Message `json:"last_message,omitempty"`
}

// ensureShard creates the monthly table on first write. Creation is
// IF NOT EXISTS, so concurrent writers racing on a fresh month are fine.
func (r *MessageStore) ensureShard(ctx context.Context, shard string) error {
	r.mu.RLock()
	ok := r.shards[shard]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			conversation_kind TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT,
			sent_at TIMESTAMPTZ NOT NULL,
			reply_token TEXT,
			quote_token TEXT,
			quoted_message_id TEXT,
			gateway_message_id TEXT,
			transport TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, shard),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_event_id_key ON %s (event_id)`, shard, shard),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_conv_sent_idx ON %s (conversation_id, sent_at)`, shard, shard),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_gateway_idx ON %s (gateway_message_id)`, shard, shard),
	}
	for _, stmt := range ddl {
		if err := r.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create shard %s: %w", shard, err)
		}
	}

	r.mu.Lock()
	r.shards[shard] = true
	r.mu.Unlock()
	return nil
}

// shardExists reports whether the shard table is present, caching positive
// answers so fan-out queries pay the catalog lookup at most once per table.
func (r *MessageStore) shardExists(ctx context.Context, shard string) (bool, error) {
	r.mu.RLock()
	ok := r.shards[shard]
	r.mu.RUnlock()
	if ok {
		return true, nil
	}

	if !r.db.WithContext(ctx).Migrator().HasTable(shard) {
		return false, nil
	}

	r.mu.Lock()
	r.shards[shard] = true
	r.mu.Unlock()
	return true, nil
}

// Append stores one message into the shard of its sent time, creating the
// shard on first write. Re-ingesting an event id that already exists in the
// shard is a no-op: Append reports created=false and no error.
func (r *MessageStore) Append(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now()
	}
	shard := models.ShardName(msg.SentAt)
	if err := r.ensureShard(ctx, shard); err != nil {
		return false, err
	}

	res := r.db.WithContext(ctx).Table(shard).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// recentShards returns the existing shards among the current and previous
// month, newest first.
func (r *MessageStore) recentShards(ctx context.Context) ([]string, error) {
	var out []string
	for _, shard := range models.RecentShards(r.now()) {
		ok, err := r.shardExists(ctx, shard)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, shard)
		}
	}
	return out, nil
}

// PageCursor addresses the oldest row of a returned page. Feeding it back
// into QueryWindow selects strictly older rows in (sent_at, id) order, so
// chained pages return every row exactly once, equal timestamps included.
type PageCursor struct {
	SentAt time.Time `json:"sent_at"`
	ID     int64     `json:"id"`
}

// QueryWindow returns up to limit messages before the cursor, newest first,
// tie-broken by insertion order descending. A zero cursor id means a fresh
// first page: rows at exactly cursor.SentAt are included. It walks backward
// across monthly shards until the page is full.
func (r *MessageStore) QueryWindow(ctx context.Context, conversationID string, before PageCursor, limit int) ([]models.Message, PageCursor, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		collected []models.Message
		oldest    PageCursor
		hasMore   bool
	)

	cursor := time.Date(before.SentAt.Year(), before.SentAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxShardScan && len(collected) <= limit; i++ {
		shard := models.ShardName(cursor)
		cursor = cursor.AddDate(0, -1, 0)

		ok, err := r.shardExists(ctx, shard)
		if err != nil {
			return nil, oldest, false, err
		}
		if !ok {
			continue
		}

		q := r.db.WithContext(ctx).Table(shard).
			Where("conversation_id = ?", conversationID)
		if before.ID > 0 {
			q = q.Where("(sent_at < ? OR (sent_at = ? AND id < ?))", before.SentAt, before.SentAt, before.ID)
		} else {
			q = q.Where("sent_at <= ?", before.SentAt)
		}

		var batch []models.Message
		err = q.Order("sent_at DESC").Order("id DESC").
			Limit(limit + 1 - len(collected)).
			Find(&batch).Error
		if err != nil {
			return nil, oldest, false, err
		}
		collected = append(collected, batch...)
	}

	if len(collected) > limit {
		collected = collected[:limit]
		hasMore = true
	}
	if len(collected) > 0 {
		last := collected[len(collected)-1]
		oldest = PageCursor{SentAt: last.SentAt, ID: last.ID}
	}
	return collected, oldest, hasMore, nil
}

// QueryNew returns messages strictly after the given timestamp, ascending.
// Used by polling, so it only fans out across the last two shards.
func (r *MessageStore) QueryNew(ctx context.Context, conversationID string, since time.Time) ([]models.Message, error) {
	shards, err := r.recentShards(ctx)
	if err != nil {
		return nil, err
	}

	var merged []models.Message
	// recentShards is newest first; read oldest shard first to keep the
	// merged result ascending without a sort.
	for i := len(shards) - 1; i >= 0; i-- {
		var batch []models.Message
		err := r.db.WithContext(ctx).Table(shards[i]).
			Where("conversation_id = ? AND sent_at > ?", conversationID, since).
			Order("sent_at ASC").Order("id ASC").
			Find(&batch).Error
		if err != nil {
			return nil, err
		}
		merged = append(merged, batch...)
	}
	return merged, nil
}

// QueryAround builds a jump-to-context window: up to beforeN messages older
// than the anchor, the anchor itself, and up to afterN newer.
func (r *MessageStore) QueryAround(ctx context.Context, conversationID string, anchorAt time.Time, beforeN, afterN int) (*Window, error) {
	shard := models.ShardName(anchorAt)
	ok, err := r.shardExists(ctx, shard)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAnchorNotFound
	}

	var anchor models.Message
	err = r.db.WithContext(ctx).Table(shard).
		Where("conversation_id = ? AND sent_at = ?", conversationID, anchorAt).
		Order("id ASC").
		First(&anchor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, err
	}

	older, moreBefore, err := r.queryOlder(ctx, conversationID, anchor, beforeN)
	if err != nil {
		return nil, err
	}
	newer, moreAfter, err := r.queryNewer(ctx, conversationID, anchor, afterN)
	if err != nil {
		return nil, err
	}

	w := &Window{HasMoreBefore: moreBefore, HasMoreAfter: moreAfter}
	for i := len(older) - 1; i >= 0; i-- { // older is newest-first; window is ascending
		w.Entries = append(w.Entries, WindowEntry{Message: older[i]})
	}
	w.Entries = append(w.Entries, WindowEntry{Message: anchor, IsAnchor: true})
	for _, m := range newer {
		w.Entries = append(w.Entries, WindowEntry{Message: m})
	}
	return w, nil
}

// queryOlder collects up to n messages strictly before the anchor in
// (sent_at, id) order, newest first, walking backward across shards.
func (r *MessageStore) queryOlder(ctx context.Context, conversationID string, anchor models.Message, n int) ([]models.Message, bool, error) {
	if n <= 0 {
		return nil, false, nil
	}

	var collected []models.Message
	cursor := time.Date(anchor.SentAt.Year(), anchor.SentAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	first := true
	for i := 0; i < maxShardScan && len(collected) <= n; i++ {
		shard := models.ShardName(cursor)
		cursor = cursor.AddDate(0, -1, 0)

		ok, err := r.shardExists(ctx, shard)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			first = false
			continue
		}

		q := r.db.WithContext(ctx).Table(shard).
			Where("conversation_id = ?", conversationID)
		if first {
			// anchor's own shard: exclude the anchor and anything newer
			q = q.Where("(sent_at < ? OR (sent_at = ? AND id < ?))", anchor.SentAt, anchor.SentAt, anchor.ID)
			first = false
		}

		var batch []models.Message
		err = q.Order("sent_at DESC").Order("id DESC").
			Limit(n + 1 - len(collected)).
			Find(&batch).Error
		if err != nil {
			return nil, false, err
		}
		collected = append(collected, batch...)
	}

	if len(collected) > n {
		return collected[:n], true, nil
	}
	return collected, false, nil
}

// queryNewer collects up to n messages strictly after the anchor, ascending,
// walking forward from the anchor's shard to the current month.
func (r *MessageStore) queryNewer(ctx context.Context, conversationID string, anchor models.Message, n int) ([]models.Message, bool, error) {
	if n <= 0 {
		return nil, false, nil
	}

	var collected []models.Message
	cursor := time.Date(anchor.SentAt.Year(), anchor.SentAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := r.now()
	first := true
	for !cursor.After(end) && len(collected) <= n {
		shard := models.ShardName(cursor)
		cursor = cursor.AddDate(0, 1, 0)

		ok, err := r.shardExists(ctx, shard)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			first = false
			continue
		}

		q := r.db.WithContext(ctx).Table(shard).
			Where("conversation_id = ?", conversationID)
		if first {
			q = q.Where("(sent_at > ? OR (sent_at = ? AND id > ?))", anchor.SentAt, anchor.SentAt, anchor.ID)
			first = false
		}

		var batch []models.Message
		err = q.Order("sent_at ASC").Order("id ASC").
			Limit(n + 1 - len(collected)).
			Find(&batch).Error
		if err != nil {
			return nil, false, err
		}
		collected = append(collected, batch...)
	}

	if len(collected) > n {
		return collected[:n], true, nil
	}
	return collected, false, nil
}

// FindByCorrelationID looks a message up by its gateway message id or quote
// token within the recent shards. Quoting only targets recent history, so
// the fan-out stops at two months.
func (r *MessageStore) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Message, error) {
	shards, err := r.recentShards(ctx)
	if err != nil {
		return nil, err
	}

	for _, shard := range shards {
		var msg models.Message
		err := r.db.WithContext(ctx).Table(shard).
			Where("gateway_message_id = ? OR quote_token = ?", correlationID, correlationID).
			First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &msg, nil
	}
	return nil, gorm.ErrRecordNotFound
}

// ActivitySummaries returns, per conversation with customer activity, the
// exact unread count (messages from the customer newer than the read marker)
// and the latest message as preview. One batched query per recent shard,
// never one query per conversation.
func (r *MessageStore) ActivitySummaries(ctx context.Context, subjectIDs []string) ([]ConversationActivity, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	shards, err := r.recentShards(ctx)
	if err != nil {
		return nil, err
	}

	unread := make(map[string]int64, len(subjectIDs))
	last := make(map[string]models.Message, len(subjectIDs))

	for _, shard := range shards {
		rows := []struct {
			ConversationID string
			Unread         int64
		}{}
		err := r.db.WithContext(ctx).Raw(fmt.Sprintf(`
			SELECT m.conversation_id AS conversation_id, COUNT(*) AS unread
			FROM %s m
			JOIN conversations c ON c.subject_id = m.conversation_id
			WHERE m.conversation_id IN (?)
			  AND m.sender_role = ?
			  AND m.sent_at > c.read_marker_at
			GROUP BY m.conversation_id`, shard),
			subjectIDs, models.SenderCustomer,
		).Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			unread[row.ConversationID] += row.Unread
		}

		var latest []models.Message
		err = r.db.WithContext(ctx).Raw(fmt.Sprintf(`
			SELECT DISTINCT ON (conversation_id) *
			FROM %s
			WHERE conversation_id IN (?)
			ORDER BY conversation_id, sent_at DESC, id DESC`, shard),
			subjectIDs,
		).Scan(&latest).Error
		if err != nil {
			return nil, err
		}
		for _, m := range latest {
			prev, ok := last[m.ConversationID]
			if !ok || m.SentAt.After(prev.SentAt) {
				last[m.ConversationID] = m
			}
		}
	}

	out := make([]ConversationActivity, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		act := ConversationActivity{ConversationID: id, UnreadCount: unread[id]}
		if m, ok := last[id]; ok {
			msg := m
			act.LastMessage = &msg
		}
		out = append(out, act)
	}
	return out, nil
}
