package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/agentdesk/agentdesk/pkg/types"
)

// schemaVersion is the current persisted-document schema. Bump when the
// blob layout changes and add a case to migrate.
const schemaVersion = 2

// ErrSchemaTooNew is returned when a blob was written by a newer app
// version. Refusing is safer than guessing at unknown fields.
var ErrSchemaTooNew = errors.New("conversation blob schema is newer than this build")

// conversationDoc is the persisted subset of a conversation. Streaming
// flags and pending approval state never appear here.
type conversationDoc struct {
	Version   int                    `json:"version"`
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionID"`
	Title     string                 `json:"title"`
	Time      types.ConversationTime `json:"time"`
	Messages  []*types.Message       `json:"messages"`
}

// encodeDocument builds the persisted form of a conversation. Message
// structs are shared with the live document; the Streaming field is
// excluded by its json tag.
func encodeDocument(conv *types.Conversation) *conversationDoc {
	return &conversationDoc{
		Version:   schemaVersion,
		ID:        conv.ID,
		SessionID: conv.SessionID,
		Title:     conv.Title,
		Time:      conv.Time,
		Messages:  conv.Messages,
	}
}

// decodeDocument parses a persisted blob, applying version-gated patches
// to bring old schemas to the current one. The migrated flag tells the
// loader the blob on disk no longer matches the in-memory form.
func decodeDocument(data []byte) (*conversationDoc, bool, error) {
	var doc conversationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode conversation blob: %w", err)
	}

	if doc.Version > schemaVersion {
		return nil, false, fmt.Errorf("%w: version %d, supported %d", ErrSchemaTooNew, doc.Version, schemaVersion)
	}

	migrated := false
	// Blobs written before versioning was introduced carry no field at all.
	version := doc.Version
	if version == 0 {
		version = 1
	}

	if version < 2 {
		migrateV1(&doc)
		migrated = true
	}
	doc.Version = schemaVersion

	if migrated {
		log.Debug().Str("conversation", doc.ID).Int("from", version).Msg("conversation blob migrated")
	}
	return &doc, migrated, nil
}

// migrateV1 patches version-1 blobs: assistant messages were stored with
// role "bot", and neither conversations nor messages carried an updated
// timestamp.
func migrateV1(doc *conversationDoc) {
	if doc.Time.Updated == 0 {
		doc.Time.Updated = doc.Time.Created
	}
	for _, msg := range doc.Messages {
		if msg.Role == "bot" {
			msg.Role = types.RoleAssistant
		}
		if msg.Time.Updated == nil {
			created := msg.Time.Created
			msg.Time.Updated = &created
		}
	}
}

// toConversation materializes the live conversation. Streaming flags are
// always false after a load, even if a crashed writer leaked one into an
// old blob as a literal field.
func (d *conversationDoc) toConversation() *types.Conversation {
	conv := &types.Conversation{
		ID:        d.ID,
		SessionID: d.SessionID,
		Title:     d.Title,
		Time:      d.Time,
		Messages:  d.Messages,
	}
	for _, msg := range conv.Messages {
		msg.Streaming = false
	}
	return conv
}
