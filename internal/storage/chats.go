package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

// AppendMessage stores a chat message and assigns its sequence number.
func (p *Postgres) AppendMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	err := p.observe(ctx, "append_message", func(ctx context.Context) error {
		return p.retry(ctx, "append_message", func(ctx context.Context) error {
			return p.pool.QueryRow(ctx, `
INSERT INTO chat_messages (id, chat_id, sender_id, body)
VALUES ($1, $2, $3, $4)
RETURNING seq, sent_at`,
				string(msg.ID), string(msg.ChatID), string(msg.SenderID), msg.Body,
			).Scan(&msg.Seq, &msg.SentAt)
		})
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("append message to %s: %w", msg.ChatID, err)
	}
	msg.SentAt = msg.SentAt.UTC()
	return msg, nil
}

// ChatMessages returns up to limit of the newest messages in ascending order.
func (p *Postgres) ChatMessages(ctx context.Context, chatID types.ChatID, limit int) ([]types.Message, error) {
	var out []types.Message
	err := p.observe(ctx, "chat_messages", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
SELECT id, chat_id, sender_id, body, seq, sent_at
FROM chat_messages
WHERE chat_id = $1
ORDER BY seq DESC
LIMIT $2`, string(chatID), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				id, chat, sender, body string
				seq                    int64
				sentAt                 time.Time
			)
			if err := rows.Scan(&id, &chat, &sender, &body, &seq, &sentAt); err != nil {
				return err
			}
			out = append(out, types.Message{
				ID:       types.MessageID(id),
				ChatID:   types.ChatID(chat),
				SenderID: types.UserID(sender),
				Body:     body,
				Seq:      seq,
				SentAt:   sentAt.UTC(),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", chatID, err)
	}
	slices.Reverse(out)
	return out, nil
}

// MarkRead moves the user's read watermark to messageID. The watermark only
// moves forward; advanced is false when it already sat at or past the message.
func (p *Postgres) MarkRead(ctx context.Context, chatID types.ChatID, user types.UserID, messageID types.MessageID) (receipt types.ReadReceipt, advanced bool, err error) {
	err = p.observe(ctx, "mark_read", func(ctx context.Context) error {
		return p.retry(ctx, "mark_read", func(ctx context.Context) error {
			var seq int64
			err := p.pool.QueryRow(ctx, `SELECT seq FROM chat_messages WHERE id = $1 AND chat_id = $2`,
				string(messageID), string(chatID)).Scan(&seq)
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound(fmt.Sprintf("message %s is not in chat %s", messageID, chatID))
			}
			if err != nil {
				return err
			}

			receipt, err = scanReceipt(p.pool.QueryRow(ctx, `
INSERT INTO read_receipts (chat_id, user_id, last_message_id, last_seq)
VALUES ($1, $2, $3, $4)
ON CONFLICT (chat_id, user_id)
DO UPDATE SET last_message_id = EXCLUDED.last_message_id, last_seq = EXCLUDED.last_seq, read_at = now()
WHERE read_receipts.last_seq < EXCLUDED.last_seq
RETURNING chat_id, user_id, last_message_id, last_seq, read_at`,
				string(chatID), string(user), string(messageID), seq))
			if err == nil {
				advanced = true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			advanced = false
			receipt, err = scanReceipt(p.pool.QueryRow(ctx, `
SELECT chat_id, user_id, last_message_id, last_seq, read_at
FROM read_receipts
WHERE chat_id = $1 AND user_id = $2`, string(chatID), string(user)))
			return err
		})
	})
	if err != nil {
		return types.ReadReceipt{}, false, err
	}
	return receipt, advanced, nil
}

// ReadReceipts lists every user's watermark in a chat.
func (p *Postgres) ReadReceipts(ctx context.Context, chatID types.ChatID) ([]types.ReadReceipt, error) {
	var out []types.ReadReceipt
	err := p.observe(ctx, "read_receipts", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
SELECT chat_id, user_id, last_message_id, last_seq, read_at
FROM read_receipts
WHERE chat_id = $1
ORDER BY user_id`, string(chatID))
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			receipt, err := scanReceipt(rows)
			if err != nil {
				return err
			}
			out = append(out, receipt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list receipts of %s: %w", chatID, err)
	}
	return out, nil
}

func scanReceipt(row pgx.Row) (types.ReadReceipt, error) {
	var (
		chat, user, message string
		seq                 int64
		readAt              time.Time
	)
	if err := row.Scan(&chat, &user, &message, &seq, &readAt); err != nil {
		return types.ReadReceipt{}, err
	}
	return types.ReadReceipt{
		ChatID:        types.ChatID(chat),
		UserID:        types.UserID(user),
		LastMessageID: types.MessageID(message),
		LastSeq:       seq,
		ReadAt:        readAt.UTC(),
	}, nil
}
