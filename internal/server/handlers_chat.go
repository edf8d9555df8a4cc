package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"mira/backend/internal/sanitize"
)

const (
	historyTurnLimit       = 20
	conversationListLimit  = 50
	conversationListMax    = 100
	conversationTitleRunes = 40
)

const miraPersona = `You are Mira, an empathetic and insightful astrology companion.

Your role is to provide supportive, personalized guidance based on the user's birth details.

Guidelines:
- Be warm, understanding, and non-judgmental
- Interpret astrological data in accessible, meaningful ways
- Focus on personal growth and self-awareness
- Avoid making absolute predictions
- Encourage the user to treat astrology as a tool for reflection, not fate
- Be concise but thoughtful
- Answer in Markdown; put each table row on its own line`

var errConversationNotFound = &httpError{Status: http.StatusNotFound, Detail: "Conversation not found"}

type conversationRecord struct {
	ID        string
	UserID    string
	AgentName string
	Title     *string
	Metadata  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

type messageRecord struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

func (m messageRecord) toMap() gin.H {
	content := m.Content
	if m.Role == "assistant" {
		content = sanitize.Sanitize(content)
	}
	return gin.H{
		"message_id": m.ID,
		"role":       m.Role,
		"content":    content,
		"created_at": m.CreatedAt.UTC(),
	}
}

func (a *App) createConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload conversationCreateRequest
	if !mustJSON(c, &payload) {
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	metadata := payload.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	record := conversationRecord{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		AgentName: normalizeAgentName(payload.AgentName),
	}
	err := a.db.QueryRow(
		c.Request.Context(),
		`INSERT INTO "Conversation" (id, "userId", "agentName", "metadataJson", "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, $4::jsonb, NOW(), NOW())
		 RETURNING "createdAt", "updatedAt"`,
		record.ID,
		record.UserID,
		record.AgentName,
		mustMarshalJSON(metadata),
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": record.ID,
		"agent_name":      record.AgentName,
		"title":           "New conversation",
		"metadata":        metadata,
		"created_at":      record.CreatedAt.UTC(),
		"updated_at":      record.UpdatedAt.UTC(),
	})
}

func (a *App) listConversations(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	limit := conversationListLimit
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
			limit = min(parsed, conversationListMax)
		}
	}
	var agentFilter any
	if agent := strings.TrimSpace(c.Query("agent_name")); agent != "" {
		agentFilter = normalizeAgentName(agent)
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT
			cv.id,
			cv."agentName",
			cv.title,
			cv."createdAt",
			cv."updatedAt",
			(
				SELECT m.content
				FROM "ConversationMessage" m
				WHERE m."conversationId" = cv.id
				  AND m.role = 'user'
				ORDER BY m."createdAt" ASC
				LIMIT 1
			) AS first_user_input,
			(
				SELECT COUNT(*)::int
				FROM "ConversationMessage" m
				WHERE m."conversationId" = cv.id
			) AS message_count
		 FROM "Conversation" cv
		 WHERE cv."userId" = $1
		   AND ($2::text IS NULL OR cv."agentName" = $2)
		 ORDER BY cv."updatedAt" DESC
		 LIMIT $3`,
		user.ID,
		agentFilter,
		limit,
	)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	defer rows.Close()

	items := make([]gin.H, 0, limit)
	for rows.Next() {
		var (
			record         conversationRecord
			firstUserInput *string
			messageCount   int
		)
		if err := rows.Scan(
			&record.ID,
			&record.AgentName,
			&record.Title,
			&record.CreatedAt,
			&record.UpdatedAt,
			&firstUserInput,
			&messageCount,
		); err != nil {
			a.writeExecutionError(c, err)
			return
		}
		items = append(items, gin.H{
			"conversation_id": record.ID,
			"agent_name":      record.AgentName,
			"title":           conversationTitle(record.Title, firstUserInput),
			"message_count":   messageCount,
			"created_at":      record.CreatedAt.UTC(),
			"updated_at":      record.UpdatedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": items})
}

func (a *App) getConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	conversation, err := loadConversationForUser(c.Request.Context(), a.db, user.ID, c.Param("conversation_id"))
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	messages, err := loadConversationMessages(c.Request.Context(), a.db, conversation.ID)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}

	var firstUserInput *string
	items := make([]gin.H, 0, len(messages))
	for _, message := range messages {
		if firstUserInput == nil && message.Role == "user" {
			content := message.Content
			firstUserInput = &content
		}
		items = append(items, message.toMap())
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversation.ID,
		"agent_name":      conversation.AgentName,
		"title":           conversationTitle(conversation.Title, firstUserInput),
		"metadata":        parseJSONStringMap(conversation.Metadata),
		"created_at":      conversation.CreatedAt.UTC(),
		"updated_at":      conversation.UpdatedAt.UTC(),
		"messages":        items,
	})
}

func (a *App) deleteConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	conversationID, ok := parseConversationID(c.Param("conversation_id"))
	if !ok {
		a.writeExecutionError(c, errConversationNotFound)
		return
	}
	tag, err := a.db.Exec(
		c.Request.Context(),
		`DELETE FROM "Conversation" WHERE id = $1 AND "userId" = $2`,
		conversationID,
		user.ID,
	)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	if tag.RowsAffected() == 0 {
		a.writeExecutionError(c, errConversationNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (a *App) addMessage(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var payload messageCreateRequest
	if !mustJSON(c, &payload) {
		return
	}

	role := strings.ToLower(strings.TrimSpace(payload.Role))
	if role != "" && role != "user" {
		writeError(c, http.StatusBadRequest, "role must be user")
		return
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		writeError(c, http.StatusBadRequest, "content is required")
		return
	}
	if utf8.RuneCountInString(content) > messageContentMax {
		writeError(c, http.StatusBadRequest, "content must be at most "+strconv.Itoa(messageContentMax)+" characters")
		return
	}
	if err := a.requireDB(); err != nil {
		a.writeExecutionError(c, err)
		return
	}

	ctx := c.Request.Context()
	conversation, err := loadConversationForUser(ctx, a.db, user.ID, c.Param("conversation_id"))
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	history, err := loadConversationTurns(ctx, a.db, conversation.ID, historyTurnLimit)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}
	userMessage, err := insertConversationMessage(ctx, a.db, conversation.ID, "user", content)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}

	profile, err := a.profileForPrompt(c, user)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}

	response, err := a.ai.Query(ctx, AIModelRequest{
		SystemPrompt: buildMiraSystemPrompt(profile),
		Conversation: history,
		UserPrompt:   content,
	})
	if err != nil {
		a.logger.Warn("ai query failed", zap.String("conversation_id", conversation.ID), zap.Error(err))
		a.writeExecutionError(c, err)
		return
	}

	answer := sanitize.Sanitize(response.Answer)
	if answer == "" {
		a.logger.Warn("ai answer empty after sanitizing",
			zap.String("conversation_id", conversation.ID),
			zap.Int("raw_length", len(response.Answer)),
		)
		writeError(c, http.StatusBadGateway, "AI provider returned empty answer")
		return
	}

	assistantMessage, err := insertConversationMessage(ctx, a.db, conversation.ID, "assistant", answer)
	if err != nil {
		a.writeExecutionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id":   conversation.ID,
		"user_message":      userMessage.toMap(),
		"assistant_message": assistantMessage.toMap(),
		"model":             response.Model,
		"usage":             response.Usage,
	})
}

func buildMiraSystemPrompt(profile map[string]any) string {
	location := profileValue(profile, "birth_location")
	if country := profileValue(profile, "birth_country"); country != "Unknown" {
		location += ", " + country
	}
	lines := []string{
		miraPersona,
		"",
		"User Profile:",
		"- Zodiac Sign: " + profileValue(profile, "zodiac_sign"),
		"- Birth Date: " + profileValue(profile, "birth_date"),
		"- Birth Time: " + profileValue(profile, "birth_time"),
		"- Birth Location: " + location,
	}
	return strings.Join(lines, "\n")
}

// profileValue reads a field from either a database row map or a decoded
// device snapshot; absent or blank fields read as Unknown.
func profileValue(profile map[string]any, key string) string {
	var value string
	switch v := profile[key].(type) {
	case string:
		value = v
	case *string:
		if v != nil {
			value = *v
		}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "Unknown"
	}
	return value
}

func conversationTitle(stored, firstUserInput *string) string {
	if stored != nil && strings.TrimSpace(*stored) != "" {
		return strings.TrimSpace(*stored)
	}
	if firstUserInput == nil {
		return "New conversation"
	}
	title := strings.Join(strings.Fields(*firstUserInput), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) > conversationTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:conversationTitleRunes])) + "..."
	}
	return title
}

func parseConversationID(raw string) (string, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

func loadConversationForUser(ctx context.Context, q dbQuerier, userID, rawID string) (conversationRecord, error) {
	conversationID, ok := parseConversationID(rawID)
	if !ok {
		return conversationRecord{}, errConversationNotFound
	}
	record := conversationRecord{}
	err := q.QueryRow(
		ctx,
		`SELECT id, "userId", "agentName", title, "metadataJson", "createdAt", "updatedAt"
		 FROM "Conversation"
		 WHERE id = $1 AND "userId" = $2`,
		conversationID,
		userID,
	).Scan(
		&record.ID,
		&record.UserID,
		&record.AgentName,
		&record.Title,
		&record.Metadata,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversationRecord{}, errConversationNotFound
	}
	if err != nil {
		return conversationRecord{}, err
	}
	return record, nil
}

func loadConversationMessages(ctx context.Context, q dbQuerier, conversationID string) ([]messageRecord, error) {
	rows, err := q.Query(
		ctx,
		`SELECT id, role, content, "createdAt"
		 FROM "ConversationMessage"
		 WHERE "conversationId" = $1
		 ORDER BY "createdAt" ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]messageRecord, 0)
	for rows.Next() {
		var message messageRecord
		if err := rows.Scan(&message.ID, &message.Role, &message.Content, &message.CreatedAt); err != nil {
			return nil, err
		}
		message.Role = strings.ToLower(strings.TrimSpace(message.Role))
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// loadConversationTurns returns the newest limit turns in chronological order.
func loadConversationTurns(ctx context.Context, q dbQuerier, conversationID string, limit int) ([]ChatTurn, error) {
	if limit <= 0 {
		limit = historyTurnLimit
	}
	rows, err := q.Query(
		ctx,
		`SELECT role, content
		 FROM "ConversationMessage"
		 WHERE "conversationId" = $1
		 ORDER BY "createdAt" DESC
		 LIMIT $2`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]ChatTurn, 0, limit)
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		turns = append(turns, ChatTurn{Role: strings.ToLower(strings.TrimSpace(role)), Content: strings.TrimSpace(content)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func insertConversationMessage(ctx context.Context, q dbQuerier, conversationID, role, content string) (messageRecord, error) {
	message := messageRecord{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
	err := q.QueryRow(
		ctx,
		`INSERT INTO "ConversationMessage" (id, "conversationId", role, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING "createdAt"`,
		message.ID,
		conversationID,
		role,
		content,
	).Scan(&message.CreatedAt)
	if err != nil {
		return messageRecord{}, err
	}

	if _, err := q.Exec(ctx, `UPDATE "Conversation" SET "updatedAt" = NOW() WHERE id = $1`, conversationID); err != nil {
		return messageRecord{}, err
	}
	return message, nil
}
